package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var (
	ConfigDir     string
	ConfigFile    string
	HomeDir       string
	RepoType      string // posix / s3 / sftp / remote
	RepoPath      string
	Stanza        string
	OSArch        string // CPU architecture (amd64, arm64)
	OSCode        string // Distribution version (el8, el9, d12, u22)
	OSType        string // rpm / deb
	OSVendor      string // rocky/debian/ubuntu from ID
	OSVersion     string // 7/8/9/10/11/12/13/20/22/24
	OSMajor       int    // 7/8/9/10/11/12/13/20/22/24 (int format)
	OSVersionFull string // 9.6 / 22.04 / 12 from VERSION_ID
	OSVersionCode string // OS full version string
	CurrentUser   string // current user
	NodeHostname  string // hostname from /etc/hostname
	NodeCPUCount  int    // cpu count from /proc/cpuinfo
)

const (
	DistroEL  = "rpm"
	DistroDEB = "deb"
	DistroMAC = "brew"

	DefaultRepoType      = "posix"
	DefaultProcessMax    = 4
	DefaultRetentionFull = 2
)

// Output format constants
const (
	OUTPUT_TEXT        = "text"
	OUTPUT_YAML        = "yaml"
	OUTPUT_JSON        = "json"
	OUTPUT_JSON_PRETTY = "json-pretty"
)

// ValidOutputFormats contains all valid output format values for CLI flag
var ValidOutputFormats = []string{OUTPUT_TEXT, OUTPUT_YAML, OUTPUT_JSON, OUTPUT_JSON_PRETTY}

// OutputFormat is the global output format setting (default: text)
var OutputFormat = OUTPUT_TEXT

// IsStructuredOutput returns true if the current output format is structured (YAML/JSON)
// rather than plain text. Useful for suppressing progress output in structured mode.
func IsStructuredOutput() bool {
	return OutputFormat == OUTPUT_YAML || OutputFormat == OUTPUT_JSON || OutputFormat == OUTPUT_JSON_PRETTY
}

// Build information. Populated at build-time via ldflags.
// BuildDate format follows RFC3339: YYYY-MM-DDTHH:MM:SSZ (e.g., 2025-01-10T10:20:00Z)
// This matches the format used in Makefile: date -u +'%Y-%m-%dT%H:%M:%SZ'
var (
	Version   = "1.0.0"
	Branch    = "main"        // Will be set during release build
	Revision  = "HEAD"        // Will be set to commit hash during release build
	BuildDate = "development" // Will be set to RFC3339 format during release build
	GoVersion = runtime.Version()
	GOOS      = runtime.GOOS
	GOARCH    = runtime.GOARCH
)

// InitConfig initializes the configuration. repoPath and stanza, if given
// as cli args, take precedence over the environment/config-file/default
// values; repoType is resolved the same way as the repository path.
func InitConfig(repoPath, stanza string) {
	DetectEnvironment()
	homeDir, err := os.UserHomeDir()
	if err != nil {
		logrus.Debugf("failed to get user home directory, trying user.Current()")
		if usr, err := user.Current(); err == nil {
			homeDir = "/home/" + usr.Username
		} else if os.Getuid() == 0 {
			homeDir = "/root"
		} else {
			logrus.Fatalf("failed to determine user home directory: %v", err)
		}
	}

	// set home dir, config dir, config file
	HomeDir = homeDir
	ConfigDir = filepath.Join(HomeDir, ".physback")
	ConfigFile = filepath.Join(ConfigDir, "config.yml")
	// create that directory if not exists
	if _, err := os.Stat(ConfigDir); os.IsNotExist(err) {
		os.MkdirAll(ConfigDir, 0750)
	}
	// touch config file if not exists
	if _, err := os.Stat(ConfigFile); os.IsNotExist(err) {
		os.Create(ConfigFile)
	}

	// set config defaults
	viper.SetConfigType("yml")
	viper.SetDefault("repo-type", DefaultRepoType)
	viper.SetDefault("repo-path", "")
	viper.SetDefault("stanza", "")
	viper.SetDefault("process-max", DefaultProcessMax)
	viper.SetDefault("retention-full", DefaultRetentionFull)
	viper.SetConfigFile(ConfigFile)
	viper.SetEnvPrefix("PHYSBACK")
	viper.AutomaticEnv()

	// load config file
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			logrus.Debugf("config file not found, using environment variables and defaults")
		} else {
			logrus.Debugf("failed to read config file %s: %v", ConfigFile, err)
		}
	} else {
		logrus.Debugf("config loaded: %s", ConfigFile)
	}

	// load specified config file if provided
	cfgPath := viper.GetString("config")
	if cfgPath != "" {
		InitConfigFile(cfgPath)
	}

	RepoType = viper.GetString("repo-type")
	if RepoType == "" {
		RepoType = DefaultRepoType
	}

	RepoPath = repoPath
	if RepoPath == "" {
		RepoPath = viper.GetString("repo-path")
	}

	Stanza = stanza
	if Stanza == "" {
		Stanza = viper.GetString("stanza")
	}
}

// InitConfigFile will init the config file with provided path
func InitConfigFile(cfgPath string) {
	viper.SetConfigType("yml")
	viper.SetDefault("repo-type", DefaultRepoType)
	viper.SetDefault("process-max", DefaultProcessMax)
	viper.SetDefault("retention-full", DefaultRetentionFull)

	var cfgSource string
	if cfgPath != "" {
		cfgSource = "CLI"
		logrus.Debugf("config file %s is given through CLI", cfgPath)
	} else {
		cfgPath = os.Getenv("PHYSBACK_CONFIG")
		if cfgPath != "" {
			logrus.Debugf("config file %s is given through ENV", cfgPath)
			cfgSource = "ENV"
		}
	}
	if cfgPath != "" && filepath.Ext(cfgPath) != ".yml" {
		logrus.Errorf("Given config file '%s' does not have .yml extension, ignoring it", cfgPath)
		cfgPath = ""
	}

	viper.SetConfigFile(cfgPath)
	viper.SetEnvPrefix("PHYSBACK")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			logrus.Debugf("config file not found, using environment variables and defaults")
		} else {
			logrus.Debugf("failed to read config file from %s: %v", cfgSource, err)
		}
	} else {
		logrus.Debugf("config loaded from %s: %s", cfgSource, cfgPath)
	}
}

type osReleaseInfo struct {
	ID              string
	VersionID       string
	VersionCodename string
}

func parseOSRelease(r io.Reader) osReleaseInfo {
	var info osReleaseInfo

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := parts[0]
		val := strings.Trim(parts[1], "\"")
		switch key {
		case "ID":
			info.ID = val
		case "VERSION_ID":
			info.VersionID = val
		case "VERSION_CODENAME":
			info.VersionCodename = val
		}
	}
	return info
}

func readOSRelease(path string) (osReleaseInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return osReleaseInfo{}, err
	}
	defer f.Close()
	return parseOSRelease(f), nil
}

func detectCurrentUser() {
	// Priority 1: Check if we're root by UID (most reliable in Docker).
	if os.Geteuid() == 0 {
		CurrentUser = "root"
		logrus.Debugf("detected root user by UID")
		return
	}

	// Priority 2: Use system user detection.
	if user, err := user.Current(); err == nil {
		CurrentUser = user.Username
		logrus.Debugf("detected user: %s", CurrentUser)
		return
	} else {
		// Priority 3: Fallback to environment variable.
		logrus.Debugf("could not determine current user: %v", err)
	}

	if envUser := os.Getenv("USER"); envUser != "" {
		CurrentUser = envUser
		logrus.Debugf("using USER env variable: %s", CurrentUser)
		return
	}

	CurrentUser = "unknown"
	logrus.Warnf("could not determine current user, using 'unknown'")
}

func detectDarwinEnvironment() bool {
	if runtime.GOOS != "darwin" {
		return false
	}

	OSVendor = "macos"
	OSType = DistroMAC

	osVersion, err := exec.Command("uname", "-r").Output()
	if err != nil {
		logrus.Debugf("Failed to get os version from uname: %s", err)
		return true
	}

	OSVersionFull = strings.TrimSpace(string(osVersion))
	if OSVersionFull == "" {
		return true
	}

	OSVersion = strings.Split(OSVersionFull, ".")[0]
	OSMajor, _ = strconv.Atoi(OSVersion)
	OSCode = fmt.Sprintf("a%s", OSVersion)
	OSVersionCode = OSCode
	return true
}

func detectLinuxPackageManager() {
	// First determine OS type by checking package manager.
	if _, err := os.Stat("/usr/bin/rpm"); err == nil {
		OSType = DistroEL
	}
	if _, err := os.Stat("/usr/bin/dpkg"); err == nil {
		OSType = DistroDEB
	}
}

func applyLinuxReleaseInfo(info osReleaseInfo) {
	OSVendor = info.ID
	OSVersionFull = info.VersionID
	OSVersionCode = info.VersionCodename

	// Extract major version.
	if info.VersionID != "" {
		OSVersion = strings.Split(info.VersionID, ".")[0]
		OSMajor, _ = strconv.Atoi(OSVersion)
	}
}

func detectLinuxOSCode() {
	// Determine OS code based on distribution and package type.
	if OSType == DistroEL {
		OSCode = "el" + OSVersion
		OSVersionCode = OSCode
		return
	}

	if OSType == DistroDEB {
		if OSVendor == "ubuntu" {
			OSCode = "u" + OSVersion
		} else {
			OSCode = "d" + OSVersion
		}
	}
}

// DetectEnvironment detects the OS and sets the global variables
func DetectEnvironment() {
	OSArch = runtime.GOARCH
	NodeHostname, _ = os.Hostname()
	NodeCPUCount = runtime.NumCPU()

	detectCurrentUser()

	if runtime.GOOS != "linux" {
		if detectDarwinEnvironment() {
			return
		}
		logrus.Debugf("Running on non-Linux platform: %s", runtime.GOOS)
		return
	}

	detectLinuxPackageManager()
	info, err := readOSRelease("/etc/os-release")
	if err != nil {
		logrus.Debugf("could not read /etc/os-release: %s", err)
		return
	}
	applyLinuxReleaseInfo(info)
	detectLinuxOSCode()

	logrus.Debugf("Detected OS: code=%s arch=%s type=%s vendor=%s version=%s %s major=%d full=%s",
		OSCode, OSArch, OSType, OSVendor, OSVersion, OSVersionCode, OSMajor, OSVersionFull)
}
