package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv looks for a .env file in the working directory and its two
// parents and loads the first one found into the process environment.
// Missing files are fine; containers usually inject the environment directly.
func LoadDotEnv() (string, bool) {
	paths := []string{".env"}
	if workDir, err := os.Getwd(); err == nil {
		parent := filepath.Dir(workDir)
		paths = append(paths,
			filepath.Join(parent, ".env"),
			filepath.Join(filepath.Dir(parent), ".env"),
		)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs, true
		}
	}
	return "", false
}
