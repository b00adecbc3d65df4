package validate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"video-subtitler/internal/media/ffprobe"
)

// ErrValidation marks every rejection raised before a job is created.
var ErrValidation = errors.New("validation failed")

// ValidationError carries a human-readable rejection reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Reject builds a ValidationError.
func Reject(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Prober inspects a stored upload.
type Prober interface {
	Probe(ctx context.Context, path string) (ffprobe.Result, error)
}

// Upload describes a candidate upload already written to disk.
type Upload struct {
	Path     string
	Filename string
	Size     int64
}

// Media is what the validator learned about an accepted upload.
type Media struct {
	Duration time.Duration
	Width    int
	Height   int
}

// Validator enforces the format, size, and duration limits.
type Validator struct {
	prober            Prober
	maxBytes          int64
	maxDuration       time.Duration
	allowedExtensions []string
	containerFormats  []string
}

// New constructs a Validator.
func New(prober Prober, maxBytes int64, maxDuration time.Duration, allowedExtensions []string) *Validator {
	exts := make([]string, 0, len(allowedExtensions))
	for _, e := range allowedExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	if len(exts) == 0 {
		exts = []string{".mp4"}
	}
	return &Validator{
		prober:            prober,
		maxBytes:          maxBytes,
		maxDuration:       maxDuration,
		allowedExtensions: exts,
		containerFormats:  []string{"mp4", "mov"},
	}
}

// MaxBytes returns the configured upper bound for uploads.
func (v *Validator) MaxBytes() int64 {
	return v.maxBytes
}

// CheckDeclared runs the checks that need no decoding: size and extension.
func (v *Validator) CheckDeclared(filename string, size int64) error {
	if size > v.maxBytes {
		return Reject("File too large. Maximum size is %d MB.", v.maxBytes/(1024*1024))
	}
	if size == 0 {
		return Reject("Uploaded file is empty.")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range v.allowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return Reject("Invalid file type. Only %s allowed.", strings.Join(v.allowedExtensions, ", "))
}

// Validate checks a stored upload against every constraint. Duration is
// taken from the decoded media, never from client metadata.
func (v *Validator) Validate(ctx context.Context, u Upload) (Media, error) {
	if err := v.CheckDeclared(u.Filename, u.Size); err != nil {
		return Media{}, err
	}

	result, err := v.prober.Probe(ctx, u.Path)
	if err != nil {
		return Media{}, Reject("Invalid video file: %v", err)
	}
	if !result.HasFormat(v.containerFormats...) {
		return Media{}, Reject("Invalid video file: unsupported container %q", result.Format.FormatName)
	}
	width, height, ok := result.Dimensions()
	if !ok {
		return Media{}, Reject("Invalid video file: no video stream")
	}

	seconds := result.DurationSeconds()
	if math.IsNaN(seconds) || seconds <= 0 {
		return Media{}, Reject("Invalid video file: could not determine duration")
	}
	duration := time.Duration(seconds * float64(time.Second))
	if duration > v.maxDuration {
		return Media{}, Reject("Video too long. Maximum duration is %s.", humanDuration(v.maxDuration))
	}

	return Media{Duration: duration, Width: width, Height: height}, nil
}

func humanDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
