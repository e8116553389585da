package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"status": "served"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"status": "served"}, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(CodeRequestFailed, "document index was not served", map[string]string{"status": "no-script"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeRequestFailed, resp.Error.Code)
	assert.Equal(t, "document index was not served", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("hello world"))
	assert.Equal(t, "hello world\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		wantDetails bool
	}{
		{"quiet", false, false},
		{"verbose", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, formatter.Error(CodeCheckFailed, "1 script failed", []string{"index.go"}))
			assert.Contains(t, buf.String(), "Error [E_CHECK_FAILED]: 1 script failed")
			if tt.wantDetails {
				assert.Contains(t, buf.String(), "Details: [index.go]")
			} else {
				assert.NotContains(t, buf.String(), "Details:")
			}
		})
	}
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}
		formatter.VerboseLog("loading %s", "index")
		assert.Empty(t, buf.String())
	})

	t.Run("goes to ErrWriter when set", func(t *testing.T) {
		out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}
		formatter.VerboseLog("loading %s", "index")
		assert.Empty(t, out.String())
		assert.Equal(t, "loading index\n", errOut.String())
	})

	t.Run("falls back to Writer", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}
		formatter.VerboseLog("loading %s", "index")
		assert.Equal(t, "loading index\n", buf.String())
	})
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("serve: %w", WrapExitError(ExitCommandError, "listen", errors.New("in use"))), ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitError_Unwrap(t *testing.T) {
	cause := errors.New("no such file")
	err := WrapExitError(ExitCommandError, "failed to open database", cause)

	assert.Equal(t, "failed to open database: no such file", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "bad flag", NewExitError(ExitFailure, "bad flag").Error())
}
