package httputil

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinic-liquidation/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"conflict", errors.Conflict("group is pending", nil), http.StatusConflict, "group is pending"},
		{"wrapped upstream", fmt.Errorf("x: %w", errors.Upstream("error loading data, please try again", nil)), http.StatusBadGateway, "error loading data, please try again"},
		{"plain", fmt.Errorf("boom"), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			RespondWithError(c, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var resp Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.status, resp.Error.Code)
			assert.Equal(t, tt.message, resp.Error.Message)
		})
	}
}

func TestRespondWithFile(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	RespondWithFile(c, "text/plain", "a.txt", []byte("hi"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "attachment; filename=a.txt", w.Header().Get("Content-Disposition"))
	assert.Equal(t, "hi", w.Body.String())
}

func TestRespondWithFile_EscapesFileName(t *testing.T) {
	names := []string{
		`Liquidacion_Dra._"Gómez"; x=1.xlsx`,
		"Liquidacion_Dr._Peña_2024-03-01_a_2024-03-31.xlsx",
		`back\slash name.xlsx`,
	}

	for _, name := range names {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		RespondWithFile(c, "text/plain", name, nil)

		disposition, params, err := mime.ParseMediaType(w.Header().Get("Content-Disposition"))
		require.NoError(t, err, name)
		assert.Equal(t, "attachment", disposition)
		assert.Equal(t, name, params["filename"])
		assert.Len(t, params, 1)
	}
}
