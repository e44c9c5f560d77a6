// Package reposerver serves conda channels from memory for tests.
package reposerver

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/djcass44/repodata-gateway/pkg/jlap"
	"github.com/djcass44/repodata-gateway/pkg/repodata"
	"github.com/klauspost/compress/zstd"
)

// Fault changes how the next matching request is answered.
type Fault struct {
	// Status is written instead of the normal response.
	Status int
	// Delay stalls the response.
	Delay time.Duration
	// Truncate serves only the first half of the body.
	Truncate bool
}

type subdir struct {
	docs   [][]byte
	writer *jlap.Writer
	zst    bool
	jlap   bool
}

// Server is an in-memory conda channel.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	subdirs    map[string]*subdir
	hits       map[string]int
	faults     map[string][]Fault
	maxAge     int
	advertise  bool
	corruptSum bool
	modified   time.Time
}

// New starts a Server that is closed when the test finishes.
func New(t testing.TB) *Server {
	s := &Server{
		subdirs:  map[string]*subdir{},
		hits:     map[string]int{},
		faults:   map[string][]Fault{},
		modified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	s.Server = httptest.NewServer(s)
	t.Cleanup(s.Close)
	return s
}

// Channel returns the url of the channel.
func (s *Server) Channel() string {
	return s.URL + "/channel/"
}

// Path returns the request path of a file in a subdir.
func Path(subdir, file string) string {
	return "/channel/" + subdir + "/" + file
}

// Publish adds a new generation of the subdir's repodata.json. The
// document is stored in canonical form and, from the second
// generation onwards, a patch is appended to the patch log.
func (s *Server) Publish(name string, doc []byte) error {
	doc, err := repodata.Canonical(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sd, ok := s.subdirs[name]
	if !ok {
		sd = &subdir{
			docs:   [][]byte{doc},
			writer: jlap.NewWriter("repodata.json", "", repodata.Hash(doc)),
		}
		s.subdirs[name] = sd
		return nil
	}
	patch, err := jlap.Diff(sd.docs[len(sd.docs)-1], doc)
	if err != nil {
		return err
	}
	if err := sd.writer.Append(repodata.Hash(doc), patch); err != nil {
		return err
	}
	sd.docs = append(sd.docs, doc)
	return nil
}

// Document returns generation n of a subdir, or the latest one if n < 0.
func (s *Server) Document(name string, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.subdirs[name]
	if n < 0 {
		n = len(sd.docs) - 1
	}
	return sd.docs[n]
}

// EnableZst serves repodata.json.zst for the subdir.
func (s *Server) EnableZst(name string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subdirs[name].zst = v
}

// EnableJlap serves repodata.jlap for the subdir.
func (s *Server) EnableJlap(name string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subdirs[name].jlap = v
}

// DropPatches removes entries from the subdir's patch log.
func (s *Server) DropPatches(name string, seqs ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subdirs[name].writer.Drop(seqs...)
}

// SetMaxAge sets the max-age of every response.
func (s *Server) SetMaxAge(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxAge = seconds
}

// AdvertiseHash sends the hash of repodata.json in a response
// header. When corrupt is set the advertised hash is wrong.
func (s *Server) AdvertiseHash(v, corrupt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertise = v
	s.corruptSum = corrupt
}

// Fault queues a fault for the next request of method to path.
func (s *Server) Fault(method, path string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.faults[key] = append(s.faults[key], f)
}

// Hits returns how many requests of method were made to path.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

// ResetHits clears the request counters.
func (s *Server) ResetHits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = map[string]int{}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	s.mu.Lock()
	s.hits[key]++
	var fault *Fault
	if queue := s.faults[key]; len(queue) > 0 {
		fault = &queue[0]
		s.faults[key] = queue[1:]
	}
	s.mu.Unlock()

	if fault != nil {
		if fault.Delay > 0 {
			select {
			case <-time.After(fault.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if fault.Status != 0 {
			http.Error(w, http.StatusText(fault.Status), fault.Status)
			return
		}
	}

	name, file, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/channel/"), "/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	body, etag, modified, ok := s.file(name, file, w.Header())
	if !ok {
		http.NotFound(w, r)
		return
	}
	if fault != nil && fault.Truncate {
		// claim the full length so that the client sees an unexpected EOF
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body[:len(body)/2])
		return
	}
	w.Header().Set("ETag", etag)
	http.ServeContent(w, r, file, modified, bytes.NewReader(body))
}

func (s *Server) file(name, file string, h http.Header) ([]byte, string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd, ok := s.subdirs[name]
	if !ok {
		return nil, "", time.Time{}, false
	}
	doc := sd.docs[len(sd.docs)-1]
	sum := repodata.Hash(doc)
	modified := s.modified.Add(time.Duration(len(sd.docs)) * time.Hour)
	if s.maxAge > 0 {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", s.maxAge))
	} else {
		h.Set("Cache-Control", "public, no-cache")
	}

	switch file {
	case "repodata.json":
		h.Set("Content-Type", "application/json")
		s.advertiseHash(h, sum)
		return doc, `"` + sum[:16] + `"`, modified, true
	case "repodata.json.zst":
		if !sd.zst {
			return nil, "", time.Time{}, false
		}
		enc, _ := zstd.NewWriter(nil)
		body := enc.EncodeAll(doc, nil)
		_ = enc.Close()
		h.Set("Content-Type", "application/zstd")
		s.advertiseHash(h, sum)
		return body, `"zst-` + sum[:16] + `"`, modified, true
	case "repodata.jlap":
		if !sd.jlap {
			return nil, "", time.Time{}, false
		}
		body, err := sd.writer.Bytes()
		if err != nil {
			return nil, "", time.Time{}, false
		}
		h.Set("Content-Type", "text/plain")
		return body, `"` + repodata.Hash(body)[:16] + `"`, modified, true
	}
	return nil, "", time.Time{}, false
}

func (s *Server) advertiseHash(h http.Header, sum string) {
	if !s.advertise {
		return
	}
	if s.corruptSum {
		sum = repodata.Hash([]byte("corrupt"))
	}
	h.Set("X-Content-Blake2b", sum)
}
