package buildinfo

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_Defaults(t *testing.T) {
	info := Get("freightdesk")
	assert.Equal(t, "freightdesk", info.ServiceName)
	assert.Equal(t, "dev", info.Version)
	assert.Equal(t, "unknown", info.Commit)
	assert.Equal(t, "unknown", info.BuildTime)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Empty(t, info.RulesVersion)
}

func TestWithRules(t *testing.T) {
	info := WithRules("freightdesk", "2025.12.1")
	assert.Equal(t, "2025.12.1", info.RulesVersion)
	assert.Equal(t, Version, info.Version)
}

func TestString_UsesLdflagVars(t *testing.T) {
	oldV, oldC, oldB := Version, Commit, BuildTime
	t.Cleanup(func() { Version, Commit, BuildTime = oldV, oldC, oldB })

	Version, Commit, BuildTime = "v0.3.0", "4f1c2ab", "2026-02-07T10:30:00Z"
	assert.Equal(t, "v0.3.0 (4f1c2ab, 2026-02-07T10:30:00Z)", String())
	assert.Equal(t, "v0.3.0", Get("freightdesk").Version)
}

func TestInfo_JSONOmitsEmptyRulesVersion(t *testing.T) {
	data, err := json.Marshal(Get("freightdesk"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "rules_version")
	assert.Contains(t, string(data), `"service_name":"freightdesk"`)
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name  string
		rules func() string
		want  string
	}{
		{name: "no rulebook", rules: nil, want: ""},
		{name: "reports current rulebook", rules: func() string { return "2025.12.1" }, want: "2025.12.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Handler("freightdesk", tt.rules)(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var info Info
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
			assert.Equal(t, "freightdesk", info.ServiceName)
			assert.Equal(t, tt.want, info.RulesVersion)
		})
	}
}
