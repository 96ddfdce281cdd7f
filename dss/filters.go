//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package dss

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/nestybox/phobos/domain"
)

// Filter evaluation. Callers build a typed AST (and/or/eq/regex/injson)
// and this adapter renders it against each catalog record; filters are
// never assembled by string concatenation.

// matchRecord evaluates a filter tree against one raw catalog record. A
// nil filter matches everything.
func matchRecord(f *domain.Filter, raw []byte) (bool, error) {

	if f == nil {
		return true, nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, errors.Wrap(err, "decoding record for filter")
	}

	return evalFilter(f, doc)
}

func evalFilter(f *domain.Filter, doc map[string]interface{}) (bool, error) {

	switch f.Op {

	case domain.FilterAnd:
		for i := range f.Children {
			ok, err := evalFilter(&f.Children[i], doc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case domain.FilterOr:
		for i := range f.Children {
			ok, err := evalFilter(&f.Children[i], doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case domain.FilterEq:
		v, ok := fieldValue(doc, f.Field)
		if !ok {
			return false, nil
		}
		return scalarString(v) == f.Value, nil

	case domain.FilterRegex:
		v, ok := fieldValue(doc, f.Field)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(f.Value)
		if err != nil {
			return false, errors.Wrapf(err, "bad filter regex %q", f.Value)
		}
		return re.MatchString(scalarString(v)), nil

	case domain.FilterInJSON:
		v, ok := fieldValue(doc, f.Field)
		if !ok {
			return false, nil
		}
		arr, ok := v.([]interface{})
		if !ok {
			return false, nil
		}
		for _, item := range arr {
			if scalarString(item) == f.Value {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, errors.Wrapf(domain.ErrInval, "unknown filter op %q",
			f.Op)
	}
}

// fieldValue resolves a dotted field path inside a decoded record.
func fieldValue(doc map[string]interface{}, path string) (interface{}, bool) {

	var cur interface{} = doc

	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

func scalarString(v interface{}) string {

	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	case bool:
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
