package popup

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// DefaultExitWarmup is the time an exit-intent detector waits after creation before listening.
	DefaultExitWarmup = 5 * time.Second
	// DefaultExitSensitivity is the distance in pixels from the top edge that counts as leaving.
	DefaultExitSensitivity = 20
	// DefaultSequencerPoll is the re-read interval used when a host enables sequencer polling.
	DefaultSequencerPoll = time.Second

	day = 24 * time.Hour
)

// ErrInvalidConfig reports malformed popup configuration.
var ErrInvalidConfig = errors.New("popup: invalid config")

// TriggerType selects the detector used by a custom popup.
type TriggerType string

const (
	TriggerTimer  TriggerType = "timer"
	TriggerScroll TriggerType = "scroll"
	TriggerExit   TriggerType = "exit"
)

// Copy is the localisable text of a popup. The engine never reads it; it travels with the
// configuration so hosts can render the popup.
type Copy struct {
	Title        string `yaml:"title" json:"title,omitempty" firestore:"title"`
	Body         string `yaml:"body" json:"body,omitempty" firestore:"body"`
	ButtonLabel  string `yaml:"buttonLabel" json:"buttonLabel,omitempty" firestore:"buttonLabel"`
	SuccessTitle string `yaml:"successTitle" json:"successTitle,omitempty" firestore:"successTitle"`
	SuccessBody  string `yaml:"successBody" json:"successBody,omitempty" firestore:"successBody"`
}

// Download describes a file handed to the visitor after a successful submission.
type Download struct {
	Bucket   string `yaml:"bucket" json:"bucket" firestore:"bucket"`
	Object   string `yaml:"object" json:"object" firestore:"object"`
	FileName string `yaml:"fileName" json:"fileName,omitempty" firestore:"fileName"`
}

// Valid reports whether the download points at an object.
func (d *Download) Valid() bool {
	return d != nil && strings.TrimSpace(d.Bucket) != "" && strings.TrimSpace(d.Object) != ""
}

// WelcomeConfig configures the welcome popup. Numbers are in the units named by their field.
type WelcomeConfig struct {
	Enabled            bool              `yaml:"enabled" json:"enabled"`
	DelaySeconds       float64           `yaml:"delaySeconds" json:"delaySeconds"`
	SessionOnly        bool              `yaml:"sessionOnly" json:"sessionOnly"`
	SessionExpiryHours float64           `yaml:"sessionExpiryHours" json:"sessionExpiryHours"`
	DismissDays        float64           `yaml:"dismissDays" json:"dismissDays"`
	ContactKinds       []ContactKind     `yaml:"contactKinds" json:"contactKinds,omitempty"`
	Copy               map[string]Copy   `yaml:"copy" json:"-"`
	Download           *Download         `yaml:"download" json:"-"`
	Extra              map[string]string `yaml:"extra" json:"extra,omitempty"`
}

// Rules converts the configuration into ledger rules.
func (c WelcomeConfig) Rules() WelcomeRules {
	return WelcomeRules{
		SessionOnly:   c.SessionOnly,
		SessionExpiry: hours(c.SessionExpiryHours),
		DismissFor:    days(c.DismissDays),
	}
}

// Delay returns the timer delay.
func (c WelcomeConfig) Delay() time.Duration { return seconds(c.DelaySeconds) }

// ExitConfig configures the exit-intent popup.
type ExitConfig struct {
	Enabled                  bool              `yaml:"enabled" json:"enabled"`
	DismissDays              float64           `yaml:"dismissDays" json:"dismissDays"`
	DelayAfterWelcomeSeconds float64           `yaml:"delayAfterWelcomeSeconds" json:"delayAfterWelcomeSeconds"`
	MinTimeOnSiteSeconds     float64           `yaml:"minTimeOnSiteSeconds" json:"minTimeOnSiteSeconds"`
	WarmupSeconds            float64           `yaml:"warmupSeconds" json:"warmupSeconds"`
	Sensitivity              float64           `yaml:"sensitivity" json:"sensitivity"`
	VisibilityExit           bool              `yaml:"visibilityExit" json:"visibilityExit"`
	ContactKinds             []ContactKind     `yaml:"contactKinds" json:"contactKinds,omitempty"`
	Copy                     map[string]Copy   `yaml:"copy" json:"-"`
	Download                 *Download         `yaml:"download" json:"-"`
	Extra                    map[string]string `yaml:"extra" json:"extra,omitempty"`
}

// DismissFor returns the cooldown after a dismissal.
func (c ExitConfig) DismissFor() time.Duration { return days(c.DismissDays) }

// DelayAfterWelcome returns the minimum gap between welcome closure and exit arming.
func (c ExitConfig) DelayAfterWelcome() time.Duration { return seconds(c.DelayAfterWelcomeSeconds) }

func (c ExitConfig) exitRules() exitIntentRules {
	return exitIntentRules{
		warmup:      warmup(c.WarmupSeconds, c.MinTimeOnSiteSeconds),
		sensitivity: sensitivity(c.Sensitivity),
		visibility:  c.VisibilityExit,
	}
}

// Targeting scopes a custom popup to pages and products.
type Targeting struct {
	Paths      []string `yaml:"paths" json:"paths,omitempty" firestore:"paths"`
	ProductIDs []string `yaml:"productIds" json:"productIds,omitempty" firestore:"productIds"`
	Priority   int      `yaml:"priority" json:"priority" firestore:"priority"`
}

// CustomConfig configures one page or product targeted popup.
type CustomConfig struct {
	ID             Identity          `yaml:"id" json:"id" firestore:"id"`
	Enabled        bool              `yaml:"enabled" json:"enabled" firestore:"enabled"`
	TriggerType    TriggerType       `yaml:"triggerType" json:"triggerType" firestore:"triggerType"`
	DelaySeconds   float64           `yaml:"delaySeconds" json:"delaySeconds" firestore:"delaySeconds"`
	ScrollPercent  float64           `yaml:"scrollPercent" json:"scrollPercent" firestore:"scrollPercent"`
	WarmupSeconds  float64           `yaml:"warmupSeconds" json:"warmupSeconds" firestore:"warmupSeconds"`
	Sensitivity    float64           `yaml:"sensitivity" json:"sensitivity" firestore:"sensitivity"`
	VisibilityExit bool              `yaml:"visibilityExit" json:"visibilityExit" firestore:"visibilityExit"`
	DismissDays    float64           `yaml:"dismissDays" json:"dismissDays" firestore:"dismissDays"`
	ContactKinds   []ContactKind     `yaml:"contactKinds" json:"contactKinds,omitempty" firestore:"contactKinds"`
	Targeting      Targeting         `yaml:"targeting" json:"targeting" firestore:"targeting"`
	Copy           map[string]Copy   `yaml:"copy" json:"-" firestore:"copy"`
	Download       *Download         `yaml:"download" json:"-" firestore:"download"`
	Extra          map[string]string `yaml:"extra" json:"extra,omitempty" firestore:"extra"`
}

// DismissFor returns the cooldown after a dismissal.
func (c CustomConfig) DismissFor() time.Duration { return days(c.DismissDays) }

// Validate checks the custom popup definition.
func (c CustomConfig) Validate() error {
	var problems []string
	if !c.ID.Valid() {
		problems = append(problems, "id")
	}
	if c.ID == Welcome || c.ID == Exit {
		problems = append(problems, "id is reserved")
	}
	switch c.TriggerType {
	case TriggerTimer, TriggerScroll, TriggerExit:
	default:
		problems = append(problems, fmt.Sprintf("triggerType %q", c.TriggerType))
	}
	problems = appendNegative(problems, "delaySeconds", c.DelaySeconds)
	problems = appendNegative(problems, "scrollPercent", c.ScrollPercent)
	problems = appendNegative(problems, "warmupSeconds", c.WarmupSeconds)
	problems = appendNegative(problems, "sensitivity", c.Sensitivity)
	problems = appendNegative(problems, "dismissDays", c.DismissDays)
	problems = appendContactKinds(problems, c.ContactKinds)
	if len(problems) > 0 {
		return fmt.Errorf("%w: custom popup %q: %s", ErrInvalidConfig, c.ID, strings.Join(problems, ", "))
	}
	return nil
}

func (c CustomConfig) exitRules() exitIntentRules {
	return exitIntentRules{
		warmup:      warmup(c.WarmupSeconds, 0),
		sensitivity: sensitivity(c.Sensitivity),
		visibility:  c.VisibilityExit,
	}
}

// SiteConfig is the complete popup configuration of a storefront.
type SiteConfig struct {
	Welcome WelcomeConfig  `yaml:"welcome" json:"welcome"`
	Exit    ExitConfig     `yaml:"exit" json:"exit"`
	Custom  []CustomConfig `yaml:"custom" json:"custom,omitempty"`
}

// Validate checks every section of the site configuration.
func (c SiteConfig) Validate() error {
	var problems []string
	problems = appendNegative(problems, "welcome.delaySeconds", c.Welcome.DelaySeconds)
	problems = appendNegative(problems, "welcome.sessionExpiryHours", c.Welcome.SessionExpiryHours)
	problems = appendNegative(problems, "welcome.dismissDays", c.Welcome.DismissDays)
	problems = appendContactKinds(problems, c.Welcome.ContactKinds)
	problems = appendNegative(problems, "exit.dismissDays", c.Exit.DismissDays)
	problems = appendNegative(problems, "exit.delayAfterWelcomeSeconds", c.Exit.DelayAfterWelcomeSeconds)
	problems = appendNegative(problems, "exit.minTimeOnSiteSeconds", c.Exit.MinTimeOnSiteSeconds)
	problems = appendNegative(problems, "exit.warmupSeconds", c.Exit.WarmupSeconds)
	problems = appendNegative(problems, "exit.sensitivity", c.Exit.Sensitivity)
	problems = appendContactKinds(problems, c.Exit.ContactKinds)
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, ", "))
	}

	seen := make(map[Identity]struct{}, len(c.Custom))
	for _, custom := range c.Custom {
		if err := custom.Validate(); err != nil {
			return err
		}
		if _, ok := seen[custom.ID]; ok {
			return fmt.Errorf("%w: duplicate custom popup %q", ErrInvalidConfig, custom.ID)
		}
		seen[custom.ID] = struct{}{}
	}
	return nil
}

func appendNegative(problems []string, name string, value float64) []string {
	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return append(problems, name)
	}
	return problems
}

func appendContactKinds(problems []string, kinds []ContactKind) []string {
	for _, kind := range kinds {
		if !kind.Valid() {
			problems = append(problems, fmt.Sprintf("contact kind %q", kind))
		}
	}
	return problems
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func hours(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Hour))
}

func days(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(day))
}

func warmup(warmupSeconds, minTimeOnSiteSeconds float64) time.Duration {
	w := DefaultExitWarmup
	if warmupSeconds > 0 {
		w = seconds(warmupSeconds)
	}
	if floor := seconds(minTimeOnSiteSeconds); floor > w {
		w = floor
	}
	return w
}

func sensitivity(v float64) float64 {
	if v <= 0 {
		return DefaultExitSensitivity
	}
	return v
}
