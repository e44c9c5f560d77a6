package v1

import metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

const (
	GroupVersion = "repodata.dcas.dev/v1"
	KindQuery    = "Query"
)

type QuerySpec struct {
	// Channels are channel names, urls or paths. A trailing
	// [platform,...] list selects platforms for that channel.
	Channels []string `json:"channels"`
	// Platforms are queried for every channel that does not
	// select its own. Defaults to the current platform and noarch.
	Platforms []string `json:"platforms,omitempty"`
	// Packages limits the output to these package names. All
	// packages are returned when empty.
	Packages []string `json:"packages,omitempty"`
	// Recursive includes the dependencies of Packages.
	Recursive bool `json:"recursive,omitempty"`
	// AllOrNothing fails the query if any subdir cannot be fetched.
	AllOrNothing bool `json:"allOrNothing,omitempty"`
	// AllowMissing treats subdirs other than noarch that do
	// not exist as empty.
	AllowMissing bool `json:"allowMissing,omitempty"`
}

type Query struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec QuerySpec `json:"spec"`
}
