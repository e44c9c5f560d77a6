package repodata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocument = `{
  "info": {"subdir": "linux-64"},
  "packages": {
    "zlib-1.2.13-hd590300_5.tar.bz2": {
      "name": "zlib", "version": "1.2.13", "build": "hd590300_5", "build_number": 5,
      "depends": ["libgcc-ng >=12"], "noarch": false, "track_features": "a b"
    }
  },
  "packages.conda": {
    "zlib-1.2.13-hd590300_5.conda": {
      "name": "zlib", "version": "1.2.13", "build": "hd590300_5", "build_number": 5,
      "depends": ["libgcc-ng >=12"], "size": 92825
    },
    "six-1.16.0-pyh6c4a22f_0.conda": {
      "name": "six", "version": "1.16.0", "build": "pyh6c4a22f_0", "build_number": 0,
      "noarch": "python", "track_features": ["x"]
    },
    "tzdata-2024a-h0c530f3_0.conda": {
      "name": "tzdata", "version": "2024a", "build": "h0c530f3_0", "noarch": true
    }
  },
  "repodata_version": 1
}`

func TestParse(t *testing.T) {
	rd, err := Parse([]byte(testDocument))
	require.NoError(t, err)
	assert.EqualValues(t, "linux-64", rd.Info.Subdir)
	assert.Len(t, rd.Packages, 1)
	assert.Len(t, rd.Conda, 3)

	assert.EqualValues(t, NoArchNone, rd.Packages["zlib-1.2.13-hd590300_5.tar.bz2"].NoArch)
	assert.EqualValues(t, StringList{"a", "b"}, rd.Packages["zlib-1.2.13-hd590300_5.tar.bz2"].TrackFeatures)
	assert.EqualValues(t, NoArchPython, rd.Conda["six-1.16.0-pyh6c4a22f_0.conda"].NoArch)
	assert.EqualValues(t, StringList{"x"}, rd.Conda["six-1.16.0-pyh6c4a22f_0.conda"].TrackFeatures)
	assert.EqualValues(t, NoArchGeneric, rd.Conda["tzdata-2024a-h0c530f3_0.conda"].NoArch)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`{"packages": {"a-1-0.conda": {"noarch": "rust"}}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"packages": `))
	assert.Error(t, err)
}

func TestRepoData_Records(t *testing.T) {
	rd, err := Parse([]byte(testDocument))
	require.NoError(t, err)

	t.Run("subdir url", func(t *testing.T) {
		records := rd.Records(Source{
			Channel:   "https://conda.anaconda.org/conda-forge",
			SubdirURL: "https://conda.anaconda.org/conda-forge/linux-64/",
			Subdir:    "linux-64",
		})
		require.Len(t, records["zlib"], 2)
		assert.EqualValues(t, "https://conda.anaconda.org/conda-forge/linux-64/zlib-1.2.13-hd590300_5.tar.bz2", records["zlib"][0].URL)
		assert.EqualValues(t, "linux-64", records["zlib"][0].Subdir)
		assert.Len(t, records["six"], 1)
		assert.Len(t, records["tzdata"], 1)
	})
	t.Run("absolute base url", func(t *testing.T) {
		records := rd.Records(Source{
			SubdirURL: "https://conda.anaconda.org/conda-forge/linux-64/",
			Info:      &Info{Subdir: "linux-64", BaseURL: "https://cdn.example.com/files"},
		})
		assert.EqualValues(t, "https://cdn.example.com/files/six-1.16.0-pyh6c4a22f_0.conda", records["six"][0].URL)
	})
	t.Run("relative base url", func(t *testing.T) {
		records := rd.Records(Source{
			SubdirURL: "https://conda.anaconda.org/conda-forge/linux-64/",
			Info:      &Info{Subdir: "linux-64", BaseURL: "../pkgs"},
		})
		assert.EqualValues(t, "https://conda.anaconda.org/conda-forge/pkgs/six-1.16.0-pyh6c4a22f_0.conda", records["six"][0].URL)
	})
}

func TestPackageFromFilename(t *testing.T) {
	var cases = []struct {
		in   string
		name string
		ok   bool
	}{
		{"r-markdown-0.8-r3.3.2_1.tar.bz2", "r-markdown", true},
		{"zlib-1.2.13-hd590300_5.conda", "zlib", true},
		{"python_abi-3.11-4_cp311.conda", "python_abi", true},
		{"zlib-1.2.13.conda", "", false},
		{"zlib.conda", "", false},
	}
	for _, tt := range cases {
		t.Run(tt.in, func(t *testing.T) {
			name, ok := PackageFromFilename(tt.in)
			assert.EqualValues(t, tt.ok, ok)
			assert.EqualValues(t, tt.name, name)
		})
	}
}

func TestDependencyName(t *testing.T) {
	var cases = []struct {
		in   string
		name string
	}{
		{"numpy", "numpy"},
		{"numpy >=1.21", "numpy"},
		{"libgcc-ng>=12", "libgcc-ng"},
		{"python_abi 3.11.* *_cp311", "python_abi"},
		{"conda-forge::python ==3.12", "python"},
		{"pytorch[version='>=2']", "pytorch"},
		{"  openssl  ", "openssl"},
	}
	for _, tt := range cases {
		t.Run(tt.in, func(t *testing.T) {
			assert.EqualValues(t, tt.name, DependencyName(tt.in))
		})
	}
}

func TestCanonical(t *testing.T) {
	a, err := Canonical([]byte(`{"b": 1.50, "a": {"y": [1, 2], "x": "<>"}}`))
	require.NoError(t, err)
	b, err := Canonical([]byte("{\"a\":{\"x\":\"<>\",\"y\":[1,2]},\n\"b\":1.50}"))
	require.NoError(t, err)

	assert.EqualValues(t, string(a), string(b))
	assert.EqualValues(t, Hash(a), Hash(b))
	assert.Contains(t, string(a), `1.50`)
	assert.Contains(t, string(a), `"<>"`)
	assert.Len(t, Hash(a), HashSize)
}
