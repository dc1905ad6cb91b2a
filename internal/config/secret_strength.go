package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakSecretScoreThreshold = 3

// IsWeakSecret returns whether the service secret is considered weak.
// Empty secret is handled by auth mode (disabled), so it is not weak here.
func IsWeakSecret(secret string) bool {
	if secret == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(secret, nil)
	return result.Score < weakSecretScoreThreshold
}
