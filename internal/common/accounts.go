package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"virtual-settlement-go/internal/models"

	"gopkg.in/yaml.v2"
)

type AccountConfig struct {
	Account  string `yaml:"account"`
	Identity string `yaml:"identity"`
}

type AccountsConfig struct {
	Accounts []AccountConfig `yaml:"accounts"`
}

// LoadAccountIdentities reads the accounts file mapping accounts to settlement identities.
// An empty path yields an empty mapping.
func LoadAccountIdentities(accountsFile string) (map[models.Account]string, error) {
	identities := make(map[models.Account]string)
	if accountsFile == "" {
		return identities, nil
	}

	var accountsPath string
	if filepath.IsAbs(accountsFile) {
		accountsPath = accountsFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		accountsPath = filepath.Join(wd, accountsFile)
	}

	data, err := os.ReadFile(accountsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", accountsFile, err)
	}
	return ParseAccountIdentities(data)
}

func ParseAccountIdentities(data []byte) (map[models.Account]string, error) {
	var config AccountsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse accounts file: %w", err)
	}

	identities := make(map[models.Account]string, len(config.Accounts))
	for i, acct := range config.Accounts {
		name := strings.TrimSpace(acct.Account)
		identity := strings.TrimSpace(acct.Identity)
		if name == "" {
			return nil, fmt.Errorf("account at index %d missing name", i)
		}
		if identity == "" {
			return nil, fmt.Errorf("account %q missing identity", name)
		}
		if _, dup := identities[models.Account(name)]; dup {
			return nil, fmt.Errorf("account %q listed twice", name)
		}
		identities[models.Account(name)] = identity
	}
	return identities, nil
}
