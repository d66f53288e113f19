/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package gridproto describes the request/response protocol spoken with grid
// nodes.  Packets are framed with the memcached binary protocol (memd); this
// package only defines op codes and body layouts.
package gridproto

import (
	"fmt"

	"github.com/couchbase/gocbcore/v10/memd"
)

type OpCode uint8

const (
	OpHello           = OpCode(memd.CmdHello)
	OpSASLAuth        = OpCode(memd.CmdSASLAuth)
	OpCachePartitions = OpCode(0xe0)
)

func (o OpCode) String() string {
	switch o {
	case OpHello:
		return "Hello"
	case OpSASLAuth:
		return "SASLAuth"
	case OpCachePartitions:
		return "CachePartitions"
	}
	return fmt.Sprintf("OpCode(0x%02x)", uint8(o))
}

// ProtocolVersion is sent in the HELLO value so a node can reject clients it
// does not understand.
type ProtocolVersion struct {
	Major int16
	Minor int16
	Patch int16
}

var CurrentProtocolVersion = ProtocolVersion{Major: 1, Minor: 4, Patch: 0}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// SASLPlainMechanism is the only auth mechanism the client offers.
const SASLPlainMechanism = "PLAIN"

func EncodePlainAuth(username, password string) []byte {
	out := make([]byte, 0, len(username)+len(password)+2)
	out = append(out, 0)
	out = append(out, username...)
	out = append(out, 0)
	out = append(out, password...)
	return out
}
