package portal

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Selectors locate the search form and result listing. Defaults match the
// Minnesota Official Marriage System portal.
type Selectors struct {
	FirstName  string `mapstructure:"first_name"`
	LastName   string `mapstructure:"last_name"`
	MiddleName string `mapstructure:"middle_name"`
	DateFrom   string `mapstructure:"date_from"`
	DateTo     string `mapstructure:"date_to"`
	Submit     string `mapstructure:"submit"`
	ResultLink string `mapstructure:"result_link"`
}

// ProfileField maps an output column to the element holding its value.
type ProfileField struct {
	Name     string `mapstructure:"name"`
	Selector string `mapstructure:"selector"`
}

// Config controls the browser, pacing and page parsing.
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	Headless    bool          `mapstructure:"headless"`
	Proxy       string        `mapstructure:"proxy"`
	UserAgent   string        `mapstructure:"user_agent"`
	QPS         float64       `mapstructure:"qps"`
	Burst       int           `mapstructure:"burst"`
	MaxSessions int           `mapstructure:"max_sessions"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	ResultWait  time.Duration `mapstructure:"result_wait"`
	// MinQPS is the floor the pacer slows to after block pages. RecoverAfter
	// clean pages double the rate again.
	MinQPS       float64 `mapstructure:"min_qps"`
	RecoverAfter int     `mapstructure:"recover_after"`
	// CountPattern must capture the reported total in its first group.
	CountPattern string `mapstructure:"count_pattern"`
	// EmptyPattern recognizes a listing with no results when no count is shown.
	EmptyPattern  string         `mapstructure:"empty_pattern"`
	BlockMarkers  []string       `mapstructure:"block_markers"`
	Selectors     Selectors      `mapstructure:"selectors"`
	ProfileFields []ProfileField `mapstructure:"profile_fields"`
}

// ProfileURLField is the column carrying the profile page address.
const ProfileURLField = "Profile URL"

// DefaultConfig returns the portal defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://moms.mn.gov/",
		Headless:     true,
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		QPS:          0.5,
		Burst:        1,
		MinQPS:       0.05,
		RecoverAfter: 20,
		MaxSessions:  4,
		SettleDelay:  5 * time.Second,
		ResultWait:   1500 * time.Millisecond,
		CountPattern: `(?i)(\d[\d,]*) results?`,
		EmptyPattern: `(?i)no (records|results|matches) (were )?found`,
		BlockMarkers: []string{
			"captcha",
			"verify you are human",
			"access denied",
			"checking your browser",
		},
		Selectors: Selectors{
			FirstName:  "input[id='ctl00_ContentPlaceHolder1_txtFirstName']",
			LastName:   "input[id='ctl00_ContentPlaceHolder1_txtLastName']",
			MiddleName: "input[id='ctl00_ContentPlaceHolder1_txtMiddleName']",
			DateFrom:   "input[id='ctl00_ContentPlaceHolder1_txtDateFrom']",
			DateTo:     "input[id='ctl00_ContentPlaceHolder1_txtDateTo']",
			Submit:     "input[id='ctl00_ContentPlaceHolder1_btnSearch']",
			ResultLink: "a[href*='Certificate']",
		},
		ProfileFields: []ProfileField{
			{Name: "Applicant 1", Selector: "#applicant1"},
			{Name: "Applicant 2", Selector: "#applicant2"},
			{Name: "Certificate Number", Selector: "#certificate"},
			{Name: "Date Filed", Selector: "#dateFiled"},
			{Name: "County", Selector: "#county"},
		},
	}
}

// Validate checks the configuration and compiles its patterns.
func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("portal.base_url %q is not an absolute URL", c.BaseURL))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("portal.max_sessions must be >= 1, got %d", c.MaxSessions))
	}
	if c.QPS < 0 || c.MinQPS < 0 {
		errs = append(errs, errors.New("portal.qps and portal.min_qps must not be negative"))
	}
	if _, err := compileCount(c.CountPattern); err != nil {
		errs = append(errs, err)
	}
	if c.EmptyPattern != "" {
		if _, err := regexp.Compile(c.EmptyPattern); err != nil {
			errs = append(errs, fmt.Errorf("portal.empty_pattern: %w", err))
		}
	}
	s := c.Selectors
	for name, sel := range map[string]string{
		"first_name":  s.FirstName,
		"last_name":   s.LastName,
		"middle_name": s.MiddleName,
		"date_from":   s.DateFrom,
		"date_to":     s.DateTo,
		"submit":      s.Submit,
		"result_link": s.ResultLink,
	} {
		if sel == "" {
			errs = append(errs, fmt.Errorf("portal.selectors.%s is required", name))
		}
	}
	for i, f := range c.ProfileFields {
		if f.Name == "" || f.Selector == "" {
			errs = append(errs, fmt.Errorf("portal.profile_fields[%d] needs a name and a selector", i))
		}
	}
	return errors.Join(errs...)
}

func compileCount(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("portal.count_pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, errors.New("portal.count_pattern needs a capture group")
	}
	return re, nil
}
