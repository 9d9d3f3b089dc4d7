package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	maxConcurrentDownloads = 3
	chunkSize              = 1 << 20
	maxRetries             = 3
	retryDelay             = 2 * time.Second
	userAgent              = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var (
	downloadDir = filepath.Join(xdg.UserDirs.Download, "epifetch")
	resumeFile  = filepath.Join(xdg.DataHome, "epifetch", "resume.db")
)
