// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"errors"
	"strings"
	"testing"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := hashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=19456,t=2,p=1$") {
		t.Errorf("hash %q does not carry the expected parameters", hash)
	}

	if err := verifyPassword(hash, "correct horse battery staple"); err != nil {
		t.Errorf("verifyPassword rejected the right password: %v", err)
	}
	if err := verifyPassword(hash, "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("verifyPassword with wrong password = %v, want ErrInvalidPassword", err)
	}
}

func TestPasswordHashesAreSalted(t *testing.T) {
	first, err := hashPassword("hunter2")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	second, err := hashPassword("hunter2")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if first == second {
		t.Error("two hashes of the same password are identical")
	}
}

func TestVerifyPasswordRejectsMalformedHashes(t *testing.T) {
	for _, hash := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=19456,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=19456,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=19456,t=2,p=1$!!!$aGFzaA",
		"$argon2id$v=19$m=19456,t=2,p=1$c2FsdA",
	} {
		err := verifyPassword(hash, "anything")
		if err == nil {
			t.Errorf("verifyPassword accepted malformed hash %q", hash)
		}
		if errors.Is(err, ErrInvalidPassword) {
			t.Errorf("malformed hash %q reported as wrong password", hash)
		}
	}
}
