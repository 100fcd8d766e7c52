package env

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/redsanjin-1/bigfile/pkg/logging"
)

// LoadEnv loads variables from the given dotenv files (".env" when none are
// given). Variables already present in the environment win.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		logging.Log.Debugf("⚠️  No .env file loaded, using system envs: %v", err)
	}
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}
