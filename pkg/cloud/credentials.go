/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cloud

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// CredentialSet is one mutual-TLS identity on disk: CA bundle, client
// certificate and key. Provisioning starts on the bootstrap set and pivots
// to the device set once enrolled.
type CredentialSet struct {
	fs  afero.Fs
	dir string
}

// BootstrapCredentials is the generic registration-only identity.
func BootstrapCredentials(fs afero.Fs, certsDir string) *CredentialSet {
	return &CredentialSet{fs: fs, dir: filepath.Join(certsDir, "bootstrap")}
}

// DeviceCredentials is the per-device identity installed by provisioning.
func DeviceCredentials(fs afero.Fs, certsDir string) *CredentialSet {
	return &CredentialSet{fs: fs, dir: filepath.Join(certsDir, "device")}
}

// Present reports whether the full credential set exists on disk.
func (c *CredentialSet) Present() bool {
	for _, name := range []string{"ca.pem", "cert.pem", "key.pem"} {
		if ok, err := afero.Exists(c.fs, filepath.Join(c.dir, name)); err != nil || !ok {
			return false
		}
	}
	return true
}

// Install atomically writes the credential files. Partial sets are never
// observable: files land under temp names and rename last.
func (c *CredentialSet) Install(ca, cert, key []byte) error {
	if err := c.fs.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("creating credential dir, %w", err)
	}
	for _, file := range []struct {
		name string
		data []byte
	}{{"ca.pem", ca}, {"cert.pem", cert}, {"key.pem", key}} {
		path := filepath.Join(c.dir, file.name)
		tmp := path + ".tmp"
		if err := afero.WriteFile(c.fs, tmp, file.data, 0o600); err != nil {
			return fmt.Errorf("writing %s, %w", file.name, err)
		}
		if err := c.fs.Rename(tmp, path); err != nil {
			return fmt.Errorf("installing %s, %w", file.name, err)
		}
	}
	return nil
}

// TLSConfig loads the set into a mutual-TLS client config.
func (c *CredentialSet) TLSConfig() (*tls.Config, error) {
	ca, err := afero.ReadFile(c.fs, filepath.Join(c.dir, "ca.pem"))
	if err != nil {
		return nil, fmt.Errorf("reading ca bundle, %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("ca bundle in %s contains no certificates", c.dir)
	}
	cert, err := afero.ReadFile(c.fs, filepath.Join(c.dir, "cert.pem"))
	if err != nil {
		return nil, fmt.Errorf("reading client certificate, %w", err)
	}
	key, err := afero.ReadFile(c.fs, filepath.Join(c.dir, "key.pem"))
	if err != nil {
		return nil, fmt.Errorf("reading client key, %w", err)
	}
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("parsing client keypair, %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
