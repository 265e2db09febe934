/*
 * Identity Graph
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package descriptors translates between internal storage keys and the
// opaque descriptors exposed to callers. A descriptor is a tagged,
// checksummed rendering of the subject type and storage key:
//
//	<type tag>.<base32 storage key>-<crc32>
//
// The format is an implementation detail. Callers never parse
// descriptors themselves; they hand them back to the engine, which
// decodes them and fails closed on anything malformed.
package descriptors

import (
	"encoding/base32"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/identitygraph/api/types"
)

// encoding is unpadded lowercase base32, keeping descriptors safe for
// URLs and case-normalizing stores.
var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

var typeTags = map[types.SubjectType]string{
	types.SubjectTypeUser:  "usr",
	types.SubjectTypeGroup: "grp",
	types.SubjectTypeScope: "scp",
}

var tagTypes = map[string]types.SubjectType{
	"usr": types.SubjectTypeUser,
	"grp": types.SubjectTypeGroup,
	"scp": types.SubjectTypeScope,
}

// Encode renders the descriptor for a subject. It is a pure function of
// the subject type and storage key.
func Encode(subjectType types.SubjectType, storageKey string) (types.Descriptor, error) {
	tag, ok := typeTags[subjectType]
	if !ok {
		return "", trace.BadParameter("unsupported subject type %q", string(subjectType))
	}
	if storageKey == "" {
		return "", trace.BadParameter("missing parameter storageKey")
	}
	body := tag + "." + encoding.EncodeToString([]byte(storageKey))
	return types.Descriptor(fmt.Sprintf("%s-%08x", body, crc32.ChecksumIEEE([]byte(body)))), nil
}

// Decode translates a descriptor back into the subject type and storage
// key it was minted from. Decode fails closed: any descriptor that does
// not match the expected tagged format is rejected with a bad parameter
// error, it is never passed through as-is.
func Decode(d types.Descriptor) (types.SubjectType, string, error) {
	s := d.String()
	body, sum, ok := strings.Cut(s, "-")
	if !ok {
		return "", "", trace.BadParameter("malformed descriptor %q", s)
	}
	tag, encoded, ok := strings.Cut(body, ".")
	if !ok {
		return "", "", trace.BadParameter("malformed descriptor %q", s)
	}
	subjectType, ok := tagTypes[tag]
	if !ok {
		return "", "", trace.BadParameter("descriptor %q has unsupported type tag %q", s, tag)
	}
	if sum != fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(body))) {
		return "", "", trace.BadParameter("descriptor %q failed checksum validation", s)
	}
	storageKey, err := encoding.DecodeString(encoded)
	if err != nil {
		return "", "", trace.BadParameter("descriptor %q has malformed payload", s)
	}
	if len(storageKey) == 0 {
		return "", "", trace.BadParameter("descriptor %q has empty payload", s)
	}
	return subjectType, string(storageKey), nil
}

// SubjectTypeOf decodes only the subject type of a descriptor.
func SubjectTypeOf(d types.Descriptor) (types.SubjectType, error) {
	subjectType, _, err := Decode(d)
	return subjectType, trace.Wrap(err)
}
