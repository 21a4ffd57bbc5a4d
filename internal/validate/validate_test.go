package validate

import (
	"os"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Token       string      `validate:"omitempty,ulid"`
	Destination string      `validate:"required,abspath"`
	StagingName string      `validate:"required,excludesall=/"`
	Mode        os.FileMode `validate:"filemode"`
	Elevation   string      `validate:"oneof=sudo su none"`
}

func valid() sample {
	return sample{
		Token:       ulid.Make().String(),
		Destination: "/system/bin/netd",
		StagingName: "netd",
		Mode:        0o755,
		Elevation:   "sudo",
	}
}

func TestStructValid(t *testing.T) {
	assert.NoError(t, Struct(valid()))
}

func TestStructErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*sample)
		want   string
	}{
		{"bad ulid", func(s *sample) { s.Token = "not-a-ulid" }, "token must be a valid ULID"},
		{"relative path", func(s *sample) { s.Destination = "system/bin/netd" }, "destination must be a clean absolute path"},
		{"unclean path", func(s *sample) { s.Destination = "/system/../system/bin/netd" }, "destination must be a clean absolute path"},
		{"missing destination", func(s *sample) { s.Destination = "" }, "destination is required"},
		{"separator in name", func(s *sample) { s.StagingName = "../netd" }, "staging_name must not contain any of \"/\""},
		{"mode too large", func(s *sample) { s.Mode = os.ModeDir | 0o755 }, "mode must be a file mode between 0000 and 07777"},
		{"unknown elevation", func(s *sample) { s.Elevation = "doas" }, "elevation must be one of: sudo su none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := Struct(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestToSnakeCase(t *testing.T) {
	assert.Equal(t, "staging_dir", toSnakeCase("StagingDir"))
	assert.Equal(t, "mount_point", toSnakeCase("mountPoint"))
	assert.Equal(t, "mode", toSnakeCase("Mode"))
}
