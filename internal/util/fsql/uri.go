// Copyright 2021 FerretDB Inc.
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

package fsql

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// BusyTimeout is the lock wait timeout, in milliseconds, set on every connection.
const BusyTimeout = 30000

// DatabaseURI returns SQLite URI for the given database file path or "file:" URI.
//
// The busy timeout pragma is added unless the URI already sets it,
// so that the driver applies it when the connection is established.
// Other query parameters are preserved.
func DatabaseURI(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty database path")
	}

	var uri *url.URL

	if strings.HasPrefix(path, "file:") {
		var err error
		if uri, err = url.Parse(path); err != nil {
			return "", err
		}

		if uri.User != nil || uri.Host != "" {
			return "", fmt.Errorf("expected URI without user and host, got %q", path)
		}

		// "file:/abs/path" and "file:///abs/path" are parsed as non-opaque
		if uri.Opaque == "" {
			if uri.Path == "" {
				return "", fmt.Errorf("expected URI with path, got %q", path)
			}

			uri.Opaque = uri.Path
		}
	} else {
		uri = &url.URL{
			Scheme: "file",
			Opaque: filepath.ToSlash(path),
		}
	}

	values := uri.Query()

	var busySet bool

	for _, p := range values["_pragma"] {
		if strings.HasPrefix(p, "busy_timeout(") {
			busySet = true
			break
		}
	}

	if !busySet {
		values.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", BusyTimeout))
	}

	uri.RawQuery = values.Encode()

	return uri.String(), nil
}

// memory returns true if the URI is for the in-memory database.
func memory(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}

	return u.Query().Get("mode") == "memory" || u.Opaque == ":memory:"
}
