// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tombee/sidekick/internal/sidecar"
	sperrors "github.com/tombee/sidekick/pkg/errors"
)

// prepareLocations resolves the directory layout of one launch, copies the
// binary into the runtime directory when asked to, writes inline
// certificates, and writes the resolved paths back into base.
func prepareLocations(base *sidecar.Options, homeDir func() (string, error)) (sidecar.Locations, error) {
	initial := base.InitialDirectory
	if initial == "" {
		home, err := homeDir()
		if err != nil {
			return sidecar.Locations{}, &sperrors.ConfigError{
				Key:    "initial_directory",
				Reason: "cannot determine home directory",
				Cause:  err,
			}
		}
		initial = filepath.Join(home, ".dapr")
	}

	runtimeDir := base.RuntimeDirectory
	if runtimeDir == "" {
		runtimeDir = initial
	}

	bin := base.BinDirectory
	if bin == "" {
		bin = filepath.Join(runtimeDir, "bin")
	}

	processFile := base.ProcessFile
	if processFile == "" {
		processFile = executableName(base.ProcessName)
	}
	if !filepath.IsAbs(processFile) {
		processFile = filepath.Join(bin, processFile)
	}

	if base.CopyProcessFile {
		src := filepath.Join(initial, "bin", filepath.Base(processFile))
		if err := copyIfNewer(src, processFile); err != nil {
			return sidecar.Locations{}, fmt.Errorf("copying %s: %w", filepath.Base(processFile), err)
		}
	}

	certs := base.CertsDirectory
	if base.HasInlineCertificates() {
		if certs == "" {
			certs = filepath.Join(runtimeDir, "certs")
		}
		if err := writeCertificates(certs, base); err != nil {
			return sidecar.Locations{}, err
		}
	}

	info, err := os.Stat(processFile)
	if err != nil || info.IsDir() {
		return sidecar.Locations{}, &sperrors.NotFoundError{Resource: "binary", ID: processFile}
	}

	base.InitialDirectory = initial
	base.RuntimeDirectory = runtimeDir
	base.BinDirectory = bin
	base.ProcessFile = processFile
	base.CertsDirectory = certs

	return sidecar.Locations{
		InitialDirectory: initial,
		RuntimeDirectory: runtimeDir,
		BinDirectory:     bin,
		ProcessFile:      processFile,
		CertsDirectory:   certs,
	}, nil
}

func executableName(name string) string {
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}

// copyIfNewer copies src over dst when dst is missing, older, or a
// different size. A missing src is not an error.
func copyIfNewer(src, dst string) error {
	if src == dst {
		return nil
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if dstInfo, err := os.Stat(dst); err == nil {
		if !srcInfo.ModTime().After(dstInfo.ModTime()) && srcInfo.Size() == dstInfo.Size() {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), srcInfo.Mode().Perm()); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// writeCertificates writes inline PEM material into dir.
func writeCertificates(dir string, base *sidecar.Options) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating certs directory: %w", err)
	}

	files := []struct {
		name string
		pem  string
		mode os.FileMode
	}{
		{"ca.crt", base.TrustAnchorsCertificate, 0o644},
		{"issuer.crt", base.IssuerCertificate, 0o644},
		{"issuer.key", base.IssuerKey, 0o600},
	}
	for _, f := range files {
		if f.pem == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.pem), f.mode); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}
