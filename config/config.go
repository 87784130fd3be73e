// Package config reads the signing configuration from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/asaskevich/govalidator"
	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/revocation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultLocation is the config file used when none is given.
var DefaultLocation = "./pades.toml"

var ErrUnknownFormat = errors.New("unknown configuration format")

// Profile names the PAdES baseline level to produce.
const (
	ProfileB   = "B"
	ProfileT   = "T"
	ProfileLT  = "LT"
	ProfileLTA = "LTA"
)

// Config is the root of the config
type Config struct {
	Profile    string           `toml:"profile" yaml:"profile" valid:"in(B|T|LT|LTA),optional"`
	TempDir    string           `toml:"temp_dir" yaml:"temp_dir" valid:"optional"`
	Signer     SignerConfig     `toml:"signer" yaml:"signer"`
	Signature  SignatureConfig  `toml:"signature" yaml:"signature"`
	TSA        TSAConfig        `toml:"tsa" yaml:"tsa"`
	Revocation RevocationConfig `toml:"revocation" yaml:"revocation"`
	CSC        *CSCConfig       `toml:"csc" yaml:"csc"`
	Log        LogConfig        `toml:"log" yaml:"log"`
}

// SignerConfig locates the signing key and certificates. Without a key
// file the CSC service signs.
type SignerConfig struct {
	Certificate string `toml:"certificate" yaml:"certificate" valid:"optional"`
	Key         string `toml:"key" yaml:"key" valid:"optional"`
	// Chain holds additional issuer certificates.
	Chain      string `toml:"chain" yaml:"chain" valid:"optional"`
	Passphrase string `toml:"passphrase" yaml:"passphrase" valid:"optional"`
	Digest     string `toml:"digest" yaml:"digest" valid:"optional"`
	SubFilter  string `toml:"sub_filter" yaml:"sub_filter" valid:"in(ETSI.CAdES.detached|adbe.pkcs7.detached),optional"`
}

// SignatureConfig holds the signature dictionary entries.
type SignatureConfig struct {
	Field       string `toml:"field" yaml:"field" valid:"optional"`
	Name        string `toml:"name" yaml:"name" valid:"optional"`
	Reason      string `toml:"reason" yaml:"reason" valid:"optional"`
	Location    string `toml:"location" yaml:"location" valid:"optional"`
	ContactInfo string `toml:"contact_info" yaml:"contact_info" valid:"optional"`
	// DocMDP certifies the document with permissions 1 to 3, 0 signs for
	// approval.
	DocMDP int `toml:"docmdp" yaml:"docmdp" valid:"optional"`
}

type TSAConfig struct {
	URL      string        `toml:"url" yaml:"url" valid:"url,optional"`
	Username string        `toml:"username" yaml:"username" valid:"optional"`
	Password string        `toml:"password" yaml:"password" valid:"optional"`
	Timeout  time.Duration `toml:"timeout" yaml:"timeout" valid:"optional"`
}

type RevocationConfig struct {
	Level string `toml:"level" yaml:"level" valid:"in(ocsp_optional_crl|ocsp|crl|ocsp_crl),optional"`
	// SigningCertificateOnly limits revocation data to the first
	// certificate of each path.
	SigningCertificateOnly bool          `toml:"signing_certificate_only" yaml:"signing_certificate_only" valid:"optional"`
	Timeout                time.Duration `toml:"timeout" yaml:"timeout" valid:"optional"`
}

type CSCConfig struct {
	BaseURL      string        `toml:"base_url" yaml:"base_url" valid:"url,required"`
	CredentialID string        `toml:"credential_id" yaml:"credential_id" valid:"required"`
	AuthToken    string        `toml:"auth_token" yaml:"auth_token" valid:"optional"`
	PIN          string        `toml:"pin" yaml:"pin" valid:"optional"`
	Timeout      time.Duration `toml:"timeout" yaml:"timeout" valid:"optional"`
}

type LogConfig struct {
	Level       string `toml:"level" yaml:"level" valid:"in(debug|info|warn|error),optional"`
	Development bool   `toml:"development" yaml:"development" valid:"optional"`
}

// Load reads path, picking the decoder from the file extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file is missing: %w", err)
	}

	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", ".conf":
		format = "toml"
	case ".yaml", ".yml":
		format = "yaml"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	return Parse(data, format)
}

// Parse decodes data in the given format ("toml" or "yaml") and validates
// the result.
func Parse(data []byte, format string) (*Config, error) {
	var c Config
	switch format {
	case "toml":
		if _, err := toml.Decode(string(data), &c); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}

	if err := c.ValidateFields(); err != nil {
		return nil, fmt.Errorf("config is not valid: %w", err)
	}
	return &c, nil
}

// ValidateFields validates all the fields of the config
func (c Config) ValidateFields() error {
	if _, err := govalidator.ValidateStruct(c); err != nil {
		return err
	}

	if _, err := c.Digest(); err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	if c.Signature.DocMDP < 0 || c.Signature.DocMDP > 3 {
		return fmt.Errorf("signature: docmdp must be between 0 and 3, got %d", c.Signature.DocMDP)
	}
	switch c.Profile {
	case ProfileT, ProfileLT, ProfileLTA:
		if c.TSA.URL == "" {
			return fmt.Errorf("tsa: url is required for profile %s", c.Profile)
		}
	}
	return nil
}

// ValidateSigner checks that a signing key is configured. Commands that
// only extend or verify documents do not need one.
func (c Config) ValidateSigner() error {
	if c.Signer.Key == "" && c.CSC == nil {
		return errors.New("signer: either a key or a csc service is required")
	}
	if c.Signer.Key != "" && c.Signer.Certificate == "" {
		return errors.New("signer: certificate is required with a key")
	}
	return nil
}

// Digest returns the configured digest algorithm, zero for the key type
// default.
func (c Config) Digest() (cms.DigestAlgorithm, error) {
	if c.Signer.Digest == "" {
		return 0, nil
	}
	return cms.ParseDigestAlgorithm(c.Signer.Digest)
}

// RevocationLevel returns the parsed revocation level.
func (c Config) RevocationLevel() revocation.Level {
	level, err := revocation.ParseLevel(c.Revocation.Level)
	if err != nil {
		return revocation.LevelOCSPOptionalCRL
	}
	return level
}

// CertOption returns the certificates revocation data is gathered for.
func (c Config) CertOption() revocation.CertOption {
	if c.Revocation.SigningCertificateOnly {
		return revocation.SigningCertificateOnly
	}
	return revocation.WholeChain
}

// Logger builds the zap logger described by the log section.
func (c Config) Logger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if c.Log.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	if c.Log.Level != "" {
		level, err := zapcore.ParseLevel(c.Log.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	return cfg.Build()
}
