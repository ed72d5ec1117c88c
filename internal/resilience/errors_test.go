package resilience

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("busy")), true},
		{"wrapped", fmt.Errorf("save: %w", NewTransientError(errors.New("busy"))), true},
		{"eris wrapped", eris.Wrap(NewTransientError(errors.New("busy")), "store"), true},
		{"connection reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"sqlite locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"regular", errors.New("invalid input"), false},
		{"permanent wins", Permanent(NewTransientError(errors.New("busy"))), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("unsupported format")
	err := eris.Wrap(Permanent(base), "convert")
	assert.True(t, IsPermanent(err))
	assert.True(t, errors.Is(err, base))
	assert.False(t, IsPermanent(base))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ClassPermanent, ClassifyError(Permanent(errors.New("bad"))))
	assert.Equal(t, ClassTransient, ClassifyError(NewTransientError(errors.New("busy"))))
	assert.Equal(t, ClassRetryable, ClassifyError(errors.New("boom")))
}

func TestJobBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, JobBackoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestTruncateError(t *testing.T) {
	short := "boom"
	assert.Equal(t, short, TruncateError(short))

	long := strings.Repeat("x", 5000)
	assert.Len(t, TruncateError(long), MaxErrorLength)

	// The limit counts characters, not bytes.
	accented := strings.Repeat("é", 1500)
	assert.Equal(t, accented, TruncateError(accented))

	multi := strings.Repeat("é", 2500)
	out := TruncateError(multi)
	assert.Equal(t, MaxErrorLength, utf8.RuneCountInString(out))
	assert.True(t, utf8.ValidString(out))

	mixed := strings.Repeat("a", 1999) + "日本語"
	assert.Equal(t, strings.Repeat("a", 1999)+"日", TruncateError(mixed))
}
