// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package transport

import (
	"errors"
	"io"
	"unicode/utf8"
)

var errInvalidUTF8 = errors.New("invalid utf-8 in payload")

// utf8Reader validates its source chunk by chunk. A rune split across two
// reads is held back until the rest of it arrives.
type utf8Reader struct {
	r       io.Reader
	pending []byte
}

func newUTF8Reader(r io.Reader) *utf8Reader {
	return &utf8Reader{r: r}
}

func (u *utf8Reader) Read(p []byte) (int, error) {
	n, err := u.r.Read(p)
	if n == 0 && err == nil {
		return 0, nil
	}

	chunk := make([]byte, 0, len(u.pending)+n)
	chunk = append(chunk, u.pending...)
	chunk = append(chunk, p[:n]...)

	end := len(chunk)
	if err == nil {
		end = completeRunes(chunk)
	}
	if !utf8.Valid(chunk[:end]) {
		return 0, errInvalidUTF8
	}
	u.pending = append(u.pending[:0], chunk[end:]...)
	if errors.Is(err, io.EOF) && len(u.pending) > 0 {
		return 0, errInvalidUTF8
	}
	return n, err
}

// completeRunes returns the length of the prefix of b that does not end in
// a truncated multi-byte sequence.
func completeRunes(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if utf8.RuneStart(b[start]) {
			if utf8.FullRune(b[start:]) {
				return len(b)
			}
			return start
		}
	}
	return len(b)
}
