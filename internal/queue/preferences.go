package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"langapp-coordinator/internal/languages"
	"langapp-coordinator/internal/storage"
)

var (
	ErrInvalidPreferences = errors.New("invalid preferences")
	ErrAlreadyQueued      = errors.New("already queued")
	ErrQueueFull          = errors.New("queue full")
)

const (
	MinProficiency = 1
	MaxProficiency = 5
	maxAge         = 120
)

// Preferences are supplied on join and never mutated once enqueued.
type Preferences struct {
	UserID           string `json:"-"`
	NativeLanguage   string `json:"native_language"`
	TargetLanguage   string `json:"target_language"`
	Age              int    `json:"age,omitempty"`
	Gender           string `json:"gender,omitempty"`
	Proficiency      int    `json:"proficiency_level,omitempty"`
	AgeMin           *int   `json:"age_min,omitempty"`
	AgeMax           *int   `json:"age_max,omitempty"`
	GenderPreference string `json:"gender_preference,omitempty"`
}

// FillFromProfile copies native language, age and gender from the profile
// when the client left them out.
func (p *Preferences) FillFromProfile(profile storage.Profile) {
	if p.NativeLanguage == "" {
		p.NativeLanguage = profile.NativeLanguage
	}
	if p.TargetLanguage == "" && len(profile.TargetLanguages) == 1 {
		p.TargetLanguage = profile.TargetLanguages[0]
	}
	if p.Age == 0 {
		p.Age = profile.Age
	}
	if p.Gender == "" {
		p.Gender = profile.Gender
	}
}

// Normalize canonicalises language codes and lowercases the gender fields.
func (p *Preferences) Normalize() {
	p.NativeLanguage = languages.Normalize(p.NativeLanguage)
	p.TargetLanguage = languages.Normalize(p.TargetLanguage)
	p.Gender = strings.ToLower(strings.TrimSpace(p.Gender))
	p.GenderPreference = strings.ToLower(strings.TrimSpace(p.GenderPreference))
	if p.GenderPreference == "any" {
		p.GenderPreference = ""
	}
}

func (p Preferences) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidPreferences)
	}
	if !languages.IsSupported(p.NativeLanguage) {
		return fmt.Errorf("%w: unsupported native language %q", ErrInvalidPreferences, p.NativeLanguage)
	}
	if !languages.IsSupported(p.TargetLanguage) {
		return fmt.Errorf("%w: unsupported target language %q", ErrInvalidPreferences, p.TargetLanguage)
	}
	if p.NativeLanguage == p.TargetLanguage {
		return fmt.Errorf("%w: native and target language are the same", ErrInvalidPreferences)
	}
	if p.Age < 0 || p.Age > maxAge {
		return fmt.Errorf("%w: age out of range", ErrInvalidPreferences)
	}
	if p.Proficiency != 0 && (p.Proficiency < MinProficiency || p.Proficiency > MaxProficiency) {
		return fmt.Errorf("%w: proficiency must be %d..%d", ErrInvalidPreferences, MinProficiency, MaxProficiency)
	}
	if p.AgeMin != nil && (*p.AgeMin < 0 || *p.AgeMin > maxAge) {
		return fmt.Errorf("%w: age_min out of range", ErrInvalidPreferences)
	}
	if p.AgeMax != nil && (*p.AgeMax < 0 || *p.AgeMax > maxAge) {
		return fmt.Errorf("%w: age_max out of range", ErrInvalidPreferences)
	}
	if p.AgeMin != nil && p.AgeMax != nil && *p.AgeMin > *p.AgeMax {
		return fmt.Errorf("%w: age_min greater than age_max", ErrInvalidPreferences)
	}
	return nil
}

// PairKey identifies a language-pair bucket.
type PairKey struct {
	Native string
	Target string
}

func (k PairKey) String() string {
	return k.Native + ":" + k.Target
}

// Reciprocal is the bucket holding the users this bucket's users can pair with.
func (k PairKey) Reciprocal() PairKey {
	return PairKey{Native: k.Target, Target: k.Native}
}

func (p Preferences) Key() PairKey {
	return PairKey{Native: p.NativeLanguage, Target: p.TargetLanguage}
}

// Entry is a waiting user.
type Entry struct {
	UserID     string
	Prefs      Preferences
	EnqueuedAt time.Time
	Priority   bool

	seq uint64
}

// before reports whether e is considered ahead of o: priority first, then
// earlier insertion.
func (e *Entry) before(o *Entry) bool {
	if e.Priority != o.Priority {
		return e.Priority
	}
	return e.seq < o.seq
}

type JoinResult struct {
	Position      int
	EstimatedWait time.Duration
}

// Pair is a match produced by a sweep. A is the anchor that was visited first.
type Pair struct {
	A     *Entry
	B     *Entry
	Score float64
}
