package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/config"
	"github.com/digitorus/pades/revocation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tomlConfig = `
profile = "LT"
temp_dir = "/tmp"

[signer]
certificate = "cert.pem"
key = "key.pem"
digest = "SHA-384"

[signature]
name = "Jeroen Bobbeldijk"
location = "Rotterdam"
reason = "Test"
contact_info = "Geen"
docmdp = 2

[tsa]
url = "https://tsa.example.com/tsr"
timeout = "30s"

[revocation]
level = "ocsp_crl"
signing_certificate_only = true

[log]
level = "debug"
`

const yamlConfig = `
profile: T
signer:
  certificate: cert.pem
tsa:
  url: https://tsa.example.com/tsr
csc:
  base_url: https://csc.example.com/csc/v2
  credential_id: key-1
  timeout: 10s
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfig(t *testing.T) {
	var c config.Config
	if _, err := toml.Decode(tomlConfig, &c); err != nil {
		t.Error(err)
	}

	assert.Equal(t, "LT", c.Profile)
	assert.Equal(t, "Rotterdam", c.Signature.Location)
	assert.Equal(t, 30*time.Second, c.TSA.Timeout)
	assert.NoError(t, c.ValidateFields())
}

func TestLoadTOML(t *testing.T) {
	c, err := config.Load(writeConfig(t, "pades.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, config.ProfileLT, c.Profile)
	assert.Equal(t, "/tmp", c.TempDir)
	assert.Equal(t, "key.pem", c.Signer.Key)
	assert.Equal(t, 2, c.Signature.DocMDP)

	digest, err := c.Digest()
	require.NoError(t, err)
	assert.Equal(t, cms.SHA384, digest)
	assert.Equal(t, revocation.LevelOCSPAndCRL, c.RevocationLevel())
	assert.Equal(t, revocation.SigningCertificateOnly, c.CertOption())

	logger, err := c.Logger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestLoadYAML(t *testing.T) {
	c, err := config.Load(writeConfig(t, "pades.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, config.ProfileT, c.Profile)
	require.NotNil(t, c.CSC)
	assert.Equal(t, "key-1", c.CSC.CredentialID)
	assert.Equal(t, 10*time.Second, c.CSC.Timeout)
	assert.Equal(t, revocation.LevelOCSPOptionalCRL, c.RevocationLevel())
	assert.Equal(t, revocation.WholeChain, c.CertOption())

	digest, err := c.Digest()
	require.NoError(t, err)
	assert.Zero(t, digest)
}

func TestLoadWithoutSigner(t *testing.T) {
	c, err := config.Load(writeConfig(t, "prolong.toml", "[tsa]\nurl = \"https://tsa.example.com\"\n"))
	require.NoError(t, err)
	assert.Error(t, c.ValidateSigner())
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, "pades.json", `{}`))
	assert.ErrorIs(t, err, config.ErrUnknownFormat)

	_, err = config.Load(writeConfig(t, "broken.toml", `profile = `))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	base := func() config.Config {
		return config.Config{Signer: config.SignerConfig{Certificate: "cert.pem", Key: "key.pem"}}
	}

	tests := []struct {
		name   string
		modify func(c *config.Config)
		valid  bool
	}{
		{"minimal", func(c *config.Config) {}, true},
		{"empty", func(c *config.Config) { *c = config.Config{} }, false},
		{"key without certificate", func(c *config.Config) { c.Signer.Certificate = "" }, false},
		{"unknown profile", func(c *config.Config) { c.Profile = "X" }, false},
		{"timestamp profile without tsa", func(c *config.Config) { c.Profile = config.ProfileLTA }, false},
		{"invalid tsa url", func(c *config.Config) { c.TSA.URL = "not a url" }, false},
		{"unknown digest", func(c *config.Config) { c.Signer.Digest = "MD5" }, false},
		{"unknown sub filter", func(c *config.Config) { c.Signer.SubFilter = "adbe.x509.rsa_sha1" }, false},
		{"docmdp out of range", func(c *config.Config) { c.Signature.DocMDP = 4 }, false},
		{"unknown revocation level", func(c *config.Config) { c.Revocation.Level = "none" }, false},
		{"csc without credential", func(c *config.Config) {
			c.Signer.Key = ""
			c.CSC = &config.CSCConfig{BaseURL: "https://csc.example.com"}
		}, false},
		{"csc signer", func(c *config.Config) {
			c.Signer.Key = ""
			c.CSC = &config.CSCConfig{BaseURL: "https://csc.example.com", CredentialID: "key-1"}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.modify(&c)
			err := c.ValidateFields()
			if err == nil {
				err = c.ValidateSigner()
			}
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
