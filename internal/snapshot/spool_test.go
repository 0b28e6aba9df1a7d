package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

func TestSpoolScriptAndFiles(t *testing.T) {
	s, err := NewSpool(filepath.Join(t.TempDir(), "spool"))
	require.NoError(t, err)
	job := &types.Job{ID: "42.svr", FilePrefix: "42.svr"}

	require.NoError(t, s.WriteScript(job, []byte("#!/bin/sh\n")))
	assert.True(t, job.HasFlag(types.FlagScript))
	script, err := s.Script(job)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(script))

	require.NoError(t, s.WriteFile(job, types.FileStdout, []byte("out")))
	out, err := s.File(job, types.FileStdout)
	require.NoError(t, err)
	assert.Equal(t, "out", string(out))
	assert.FileExists(t, filepath.Join(s.Dir(), "42.svr.OU"))

	_, err = s.File(job, types.FileStderr)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, s.WriteFile(job, types.FileCheckpoint, []byte("ck")))
	assert.True(t, job.HasFlag(types.FlagCheckpointCopied))
	require.NoError(t, s.RemoveCheckpoint(job))
	require.NoError(t, s.RemoveCheckpoint(job))
	assert.NoFileExists(t, filepath.Join(s.Dir(), "42.svr.CK"))

	require.NoError(t, s.RemoveStageIn(job))
	require.NoError(t, s.RemoveAll(job))
	assert.NoFileExists(t, filepath.Join(s.Dir(), "42.svr.SC"))
	assert.NoFileExists(t, filepath.Join(s.Dir(), "42.svr.OU"))
}
