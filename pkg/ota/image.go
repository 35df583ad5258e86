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

package ota

import (
	"archive/tar"
	"compress/gzip"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// maxImageSize bounds the decompressed artifact so a corrupt length field
// cannot fill the disk.
const maxImageSize = 2 << 30

// VerifyChecksum compares the staged artifact's sha-256 with the declared
// digest. Integrity failures are never retried.
func VerifyChecksum(fs afero.Fs, path, declared string) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("opening staged image, %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing staged image, %w", err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, declared) {
		return fmt.Errorf("checksum mismatch: artifact %s, declared %s", actual, declared)
	}
	return nil
}

// VerifySignature checks the base64 ed25519 signature over the raw digest
// bytes against the provisioned code-signing key (PEM PKIX).
func VerifySignature(fs afero.Fs, keyPath, checksumHex, signatureB64 string) error {
	keyData, err := afero.ReadFile(fs, keyPath)
	if err != nil {
		return fmt.Errorf("reading code-signing key, %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return fmt.Errorf("code-signing key at %q is not PEM", keyPath)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parsing code-signing key, %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("code-signing key is %T, want ed25519", parsed)
	}
	digest, err := hex.DecodeString(checksumHex)
	if err != nil {
		return fmt.Errorf("decoding checksum, %w", err)
	}
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decoding signature, %w", err)
	}
	if !ed25519.Verify(key, digest, signature) {
		return fmt.Errorf("signature does not verify against %q", keyPath)
	}
	return nil
}

// InstallImage unpacks the gzipped tarball into the target partition
// root, replacing its previous contents. The target is never the active
// partition; the caller guarantees that.
func InstallImage(fs afero.Fs, imagePath, targetRoot string) error {
	if err := fs.RemoveAll(targetRoot); err != nil {
		return fmt.Errorf("clearing partition %q, %w", targetRoot, err)
	}
	if err := fs.MkdirAll(targetRoot, 0o755); err != nil {
		return fmt.Errorf("creating partition %q, %w", targetRoot, err)
	}
	f, err := fs.Open(imagePath)
	if err != nil {
		return fmt.Errorf("opening image, %w", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("decompressing image, %w", err)
	}
	defer gz.Close()

	var written int64
	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading image archive, %w", err)
		}
		target, err := securePath(targetRoot, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target, header.FileInfo().Mode()); err != nil {
				return fmt.Errorf("creating %q, %w", target, err)
			}
		case tar.TypeReg:
			if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating %q, %w", filepath.Dir(target), err)
			}
			out, err := fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, header.FileInfo().Mode())
			if err != nil {
				return fmt.Errorf("creating %q, %w", target, err)
			}
			n, err := io.Copy(out, io.LimitReader(reader, maxImageSize-written))
			closeErr := out.Close()
			if err != nil {
				return fmt.Errorf("extracting %q, %w", target, err)
			}
			if closeErr != nil {
				return fmt.Errorf("closing %q, %w", target, closeErr)
			}
			written += n
			if written >= maxImageSize {
				return fmt.Errorf("image exceeds %d bytes decompressed", int64(maxImageSize))
			}
		default:
			// symlinks and devices are not part of the image contract
			continue
		}
	}
}

// securePath rejects entries that would escape the partition root.
func securePath(root, name string) (string, error) {
	target := filepath.Join(root, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(root)+string(filepath.Separator)) && target != filepath.Clean(root) {
		return "", fmt.Errorf("image entry %q escapes partition root", name)
	}
	return target, nil
}
