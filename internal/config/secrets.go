package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// secretsDoc is the secrets file layout: service -> account -> value.
type secretsDoc map[string]map[string]string

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// secretsFile reads the JSON secrets file.
type secretsFile struct{}

func (secretsFile) Get(service, account string) (string, error) {
	var doc secretsDoc
	if err := readJSONFile(secretsFilePath(), &doc); err != nil {
		return "", fmt.Errorf("secrets file not available: %w", err)
	}
	val, ok := doc[service][account]
	if !ok {
		return "", fmt.Errorf("secret %s/%s not found", service, account)
	}
	return strings.TrimSpace(val), nil
}

func writeSecret(service, account, value string) error {
	path := secretsFilePath()
	doc := secretsDoc{}
	if err := readJSONFile(path, &doc); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if doc[service] == nil {
		doc[service] = map[string]string{}
	}
	doc[service][account] = value
	return writeJSONFile(path, doc)
}
