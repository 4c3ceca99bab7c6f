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

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/clamui/quarantinedb/internal/util/lazyerrors"
)

// yamlLoader is a [kong.ConfigurationLoader] for YAML configuration files.
//
// Flags are looked up by their names (db-path or db_path),
// and then as nested keys split by dashes (log: {level: debug} for log-level).
func yamlLoader(r io.Reader) (kong.Resolver, error) {
	var values map[string]any

	if err := yaml.NewDecoder(r).Decode(&values); err != nil && err != io.EOF {
		return nil, lazyerrors.Error(err)
	}

	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		v, ok := lookup(values, flag.Name)
		if !ok {
			return nil, nil
		}

		switch v := v.(type) {
		case map[string]any:
			return nil, lazyerrors.Errorf("configuration key %q is a section, not a value", flag.Name)
		case []any:
			s := make([]string, len(v))
			for i, e := range v {
				s[i] = fmt.Sprint(e)
			}

			return strings.Join(s, ","), nil
		default:
			return fmt.Sprint(v), nil
		}
	}), nil
}

// lookup returns the configuration value for the given flag name.
func lookup(values map[string]any, name string) (any, bool) {
	for _, key := range []string{name, strings.ReplaceAll(name, "-", "_")} {
		if v, ok := values[key]; ok {
			return v, true
		}
	}

	prefix, rest, found := strings.Cut(name, "-")
	if !found {
		return nil, false
	}

	section, ok := values[prefix].(map[string]any)
	if !ok {
		return nil, false
	}

	return lookup(section, rest)
}
