/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package generator

import (
	"math"
	"strconv"
	"strings"

	"go.corp.nvidia.com/halo/internal/gwerr"
)

// Template is a prompt with {{name}} placeholders. Values are plain
// scalars substituted textually; nothing in a variable is ever evaluated.
type Template struct {
	Text      string
	Variables map[string]any
}

// segment is one parsed piece of a template: either literal text or a
// placeholder name. Only the parse is cached, never variable content.
type segment struct {
	literal string
	varName string
}

func parseTemplate(text string) []segment {
	var segs []segment
	for len(text) > 0 {
		open := strings.Index(text, "{{")
		if open < 0 {
			segs = append(segs, segment{literal: text})
			break
		}
		closing := strings.Index(text[open:], "}}")
		if closing < 0 {
			segs = append(segs, segment{literal: text})
			break
		}
		if open > 0 {
			segs = append(segs, segment{literal: text[:open]})
		}
		segs = append(segs, segment{varName: text[open+2 : open+closing]})
		text = text[open+closing+2:]
	}
	return segs
}

// renderTemplate substitutes placeholders with validated scalar values.
// Placeholders without a matching variable stay literal.
func renderTemplate(segs []segment, vars map[string]any) (string, error) {
	var b strings.Builder
	for _, s := range segs {
		if s.varName == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := vars[s.varName]
		if !ok {
			b.WriteString("{{" + s.varName + "}}")
			continue
		}
		text, err := scalarText(s.varName, v)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// scalarText renders one variable value. Strings, booleans, and finite
// numbers only; anything else is a validation error.
func scalarText(name string, v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", gwerr.Errorf(gwerr.InvalidArgument, "template variable %s is not finite", name)
		}
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	default:
		return "", gwerr.Errorf(gwerr.InvalidArgument, "template variable %s has unsupported type %T", name, v)
	}
}
