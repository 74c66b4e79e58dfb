package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSecretNeverFormatsPlaintext(t *testing.T) {
	s := New("registry-token", "ghp_supersecret")

	outputs := []string{
		s.String(),
		fmt.Sprint(s),
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%+v", s),
		fmt.Sprintf("%#v", s),
		fmt.Sprintf("%s", s),
		fmt.Sprintf("%q", s),
		fmt.Sprintf("%v", struct{ Token Secret }{s}),
	}
	for _, out := range outputs {
		assert.NotContains(t, out, "ghp_supersecret")
	}
	assert.Equal(t, "ghp_supersecret", s.Reveal())
	assert.Equal(t, "registry-token", s.Name())
}

func TestSecretJSONIsRedacted(t *testing.T) {
	payload := struct {
		User  string `json:"user"`
		Token Secret `json:"token"`
	}{User: "alice", Token: New("token", "hunter2")}

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"alice","token":"***"}`, string(data))
}

func TestSecretZapFieldIsRedacted(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&buf),
		zapcore.DebugLevel,
	)
	logger := zap.New(core)

	s := New("db-password", "p4ssw0rd")
	logger.Info("provisioning", zap.Object("password", s), zap.Any("any", s), zap.Stringer("str", s))
	require.NoError(t, logger.Sync())

	assert.NotContains(t, buf.String(), "p4ssw0rd")
	assert.Contains(t, buf.String(), "db-password")
}

func TestRefValidate(t *testing.T) {
	tests := []struct {
		ref     Ref
		wantErr bool
	}{
		{ref: "env:GITHUB_TOKEN"},
		{ref: "file:/run/secrets/token"},
		{ref: "hunter2", wantErr: true},
		{ref: "env:", wantErr: true},
		{ref: "cmd:cat /etc/passwd", wantErr: true},
		{ref: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.ref), func(t *testing.T) {
			err := tt.ref.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHostResolver(t *testing.T) {
	resolver := &HostResolver{
		LookupEnv: func(key string) (string, bool) {
			switch key {
			case "DB_PASSWORD":
				return "s3cret", true
			case "EMPTY":
				return "", true
			}
			return "", false
		},
		ReadFile: func(path string) ([]byte, error) {
			if path == "/run/secrets/token" {
				return []byte("tok\n"), nil
			}
			return nil, errors.New("no such file")
		},
	}
	ctx := context.Background()

	s, err := resolver.Resolve(ctx, "db", "env:DB_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", s.Reveal())
	assert.Equal(t, "db", s.Name())

	s, err = resolver.Resolve(ctx, "token", "file:/run/secrets/token")
	require.NoError(t, err)
	assert.Equal(t, "tok", s.Reveal())

	_, err = resolver.Resolve(ctx, "missing", "env:NOPE")
	assert.Error(t, err)

	_, err = resolver.Resolve(ctx, "empty", "env:EMPTY")
	assert.Error(t, err)

	_, err = resolver.Resolve(ctx, "file", "file:/nope")
	assert.Error(t, err)
}
