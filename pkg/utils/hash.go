// pkg/utils/hash.go - utility functions for hashing files.

package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// FileMD5 returns the MD5 sum of a file.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileSHA256 returns the SHA256 sum of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifySHA256 checks if the given file matches the expected SHA256 hash.
func VerifySHA256(path, expectedHash string) bool {
	actual, err := FileSHA256(path)
	if err != nil {
		return false
	}
	return strings.EqualFold(actual, expectedHash)
}

// VerifyMD5 checks if the given file matches the expected MD5 hash.
func VerifyMD5(path, expectedHash string) bool {
	actual, err := FileMD5(path)
	if err != nil {
		return false
	}
	return strings.EqualFold(actual, expectedHash)
}
