package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"user_11111111", true},
		{"txn_a1b2c3d4e5", true},
		{"a1b2c3d4", true},
		{"dev_ABC-123-xyz", true},
		{"", false},
		{"short", false},
		{"has spaces here", false},
		{"toolongprefix_11111111", false},
		{strings.Repeat("a", 70), false},
		{"user_1111;DROP", false},
	}

	for _, tt := range tests {
		if got := IsValidID(tt.id); got != tt.want {
			t.Errorf("IsValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestIsValidPhone(t *testing.T) {
	tests := []struct {
		phone string
		want  bool
	}{
		{"9876543210", true},
		{"+919876543210", true},
		{"91 9876 543 210", true}, // spaces are stripped
		{"12345", false},
		{"not-a-phone", false},
		{"+91-98765-43210", false}, // dashes are not
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidPhone(tt.phone); got != tt.want {
			t.Errorf("IsValidPhone(%q) = %v, want %v", tt.phone, got, tt.want)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello  ", 100); got != "hello" {
		t.Errorf("trim: %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("truncate: %q", got)
	}
	if got := SanitizeString("a\x00b", 100); got != "ab" {
		t.Errorf("null strip: %q", got)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("userId", ""),
		ValidID("deviceId", "bad id"),
		ValidAmount("amount", "-5"),
	)

	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3: %v", len(errs), errs)
	}
	if errs[0].Field != "userId" {
		t.Errorf("first error field = %s", errs[0].Field)
	}
	if !strings.Contains(errs.Error(), "userId") {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestValidate_CleanInput(t *testing.T) {
	errs := Validate(
		Required("userId", "user_11111111"),
		ValidID("userId", "user_11111111"),
		ValidAmount("amount", "1234.56"),
		ValidTransactionType("type", "debit"),
		MaxLength("description", "groceries", 100),
	)

	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"", true}, // optional
		{"0", true},
		{"4200.50", true},
		{"-1", false},
		{"12,000", false},
		{"abc", false},
	}

	for _, tt := range tests {
		err := ValidAmount("amount", tt.value)()
		if (err == nil) != tt.ok {
			t.Errorf("ValidAmount(%q) error = %v, ok %v", tt.value, err, tt.ok)
		}
	}
}

func TestValidTransactionType(t *testing.T) {
	for _, v := range []string{"", "credit", "debit"} {
		if err := ValidTransactionType("type", v)(); err != nil {
			t.Errorf("type %q rejected: %v", v, err)
		}
	}
	if err := ValidTransactionType("type", "transfer")(); err == nil {
		t.Error("unknown type must be rejected")
	}
}

func TestUserParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/users/:userId", UserParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/user_11111111", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/bad", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: status = %d, want 400", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/ingest", RequestSizeMiddleware(16), func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("small")))
	if w.Code != http.StatusOK {
		t.Errorf("small body: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(strings.Repeat("x", 64))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: status = %d, want 413", w.Code)
	}
}
