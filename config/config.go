package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type ObjectStorage struct {
	// Driver is "s3" or "local"
	Driver    string `yaml:"Driver"`
	Endpoint  string `yaml:"Endpoint"`
	AccessKey string `yaml:"AccessKey"`
	SecretKey string `yaml:"SecretKey"`
	Bucket    string `yaml:"Bucket"`
	Region    string `yaml:"Region"`
	// Root is the directory used by the local driver. It must not be served by a web server.
	Root      string `yaml:"Root"`
	Compress  bool   `yaml:"Compress"`
	PublicURL string `yaml:"PublicURL"`
}

type SMTP struct {
	Host     string `yaml:"Host"`
	Port     int    `yaml:"Port"`
	User     string `yaml:"User"`
	Password string `yaml:"Password"`
	From     string `yaml:"From"`
	FromName string `yaml:"FromName"`
	// Timeout in seconds for one send
	Timeout int `yaml:"Timeout"`
}

type Mail struct {
	// FromMode is default, site or custom
	FromMode          string `yaml:"FromMode"`
	EnforceFromDomain *bool  `yaml:"EnforceFromDomain"`
}

type Security struct {
	CSRFSecret string `yaml:"CSRFSecret"`
	// TokenMaxAge in minutes
	TokenMaxAge       int   `yaml:"TokenMaxAge"`
	MinSeconds        *int  `yaml:"MinSeconds"`
	RateLimit         *int  `yaml:"RateLimit"`
	RateWindowMinutes int   `yaml:"RateWindowMinutes"`
	StoreIP           *bool `yaml:"StoreIP"`
	StoreUserAgent    *bool `yaml:"StoreUserAgent"`

	// TrustedProxies lists the proxy addresses or CIDRs whose X-Forwarded-For is believed.
	// Empty means the peer address of the connection is the client.
	TrustedProxies []string `yaml:"TrustedProxies"`
}

type Recaptcha struct {
	// Type is disabled, v2_checkbox, v2_invisible, v3 or altcha
	Type      string `yaml:"Type"`
	Enabled   bool   `yaml:"Enabled"`
	SiteKey   string `yaml:"SiteKey"`
	SecretKey string `yaml:"SecretKey"`
	V3Action  string `yaml:"V3Action"`
	// V3Threshold is clamped to [0,1]
	V3Threshold *float64 `yaml:"V3Threshold"`
	VerifyURL   string   `yaml:"VerifyURL"`
	// Timeout in seconds
	Timeout int `yaml:"Timeout"`
}

type Uploads struct {
	AllowedExtensions string `yaml:"AllowedExtensions"`
	MaxFileMB         int    `yaml:"MaxFileMB"`
	MaxFiles          int    `yaml:"MaxFiles"`
	Prefix            string `yaml:"Prefix"`
}

type Admin struct {
	User     string `yaml:"User"`
	Password string `yaml:"Password"`
}

type Config struct {
	Listen        string        `yaml:"Listen"`
	MetricsListen string        `yaml:"MetricsListen"`
	Database      string        `yaml:"Database"`
	LogFile       string        `yaml:"LogFile"`
	Debug         bool          `yaml:"Debug"`
	SiteName      string        `yaml:"SiteName"`
	SiteURL       string        `yaml:"SiteURL"`
	AdminEmail    string        `yaml:"AdminEmail"`
	FormsFile     string        `yaml:"FormsFile"`
	RetentionDays int           `yaml:"RetentionDays"`
	ObjectStorage ObjectStorage `yaml:"ObjectStorage"`
	SMTP          SMTP          `yaml:"SMTP"`
	Mail          Mail          `yaml:"Mail"`
	Security      Security      `yaml:"Security"`
	Recaptcha     Recaptcha     `yaml:"Recaptcha"`
	Uploads       Uploads       `yaml:"Uploads"`
	Admin         Admin         `yaml:"Admin"`
}

func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(buf)
}

func Parse(buf []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal(buf, &conf); err != nil {
		return nil, err
	}
	conf.applyDefaults()

	return &conf, nil
}
