package utils

import (
	"fmt"
	"net"
	"os"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/pigsty-io/physback/internal/config"
	"github.com/pigsty-io/physback/internal/protocol"
	"github.com/pigsty-io/physback/internal/storage"
	"github.com/pigsty-io/physback/internal/storage/posix"
	remotedrv "github.com/pigsty-io/physback/internal/storage/remote"
	s3drv "github.com/pigsty-io/physback/internal/storage/s3"
	sftpdrv "github.com/pigsty-io/physback/internal/storage/sftp"
)

// ResolveDriver builds the storage.Driver named by config.RepoType,
// reading its connection parameters from the environment (PHYSBACK_S3_*,
// PHYSBACK_SFTP_*, PHYSBACK_REMOTE_ADDR). posix needs only RepoPath.
func ResolveDriver() (storage.Driver, error) {
	switch config.RepoType {
	case "", "posix":
		if config.RepoPath == "" {
			return nil, fmt.Errorf("repo-path is required for repo-type=posix")
		}
		return posix.New(config.RepoPath), nil
	case "s3":
		return resolveS3Driver()
	case "sftp":
		return resolveSFTPDriver()
	case "remote":
		return resolveRemoteDriver()
	default:
		return nil, fmt.Errorf("unknown repo-type %q", config.RepoType)
	}
}

func resolveS3Driver() (storage.Driver, error) {
	bucket := os.Getenv("PHYSBACK_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("PHYSBACK_S3_BUCKET is required for repo-type=s3")
	}
	region := os.Getenv("PHYSBACK_S3_REGION")
	if region == "" {
		region = "us-east-1"
	}
	accessKey := os.Getenv("PHYSBACK_S3_ACCESS_KEY")
	secretKey := os.Getenv("PHYSBACK_S3_SECRET_KEY")
	endpoint := os.Getenv("PHYSBACK_S3_ENDPOINT")

	opts := s3.Options{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
	}
	if endpoint != "" {
		opts.BaseEndpoint = awssdk.String(endpoint)
		opts.UsePathStyle = true
	}
	client := s3.New(opts)
	return s3drv.New(client, bucket, config.RepoPath), nil
}

func resolveSFTPDriver() (storage.Driver, error) {
	host := os.Getenv("PHYSBACK_SFTP_HOST")
	if host == "" {
		return nil, fmt.Errorf("PHYSBACK_SFTP_HOST is required for repo-type=sftp")
	}
	port := os.Getenv("PHYSBACK_SFTP_PORT")
	if port == "" {
		port = "22"
	}
	user := os.Getenv("PHYSBACK_SFTP_USER")
	if user == "" {
		user = config.CurrentUser
	}
	password := os.Getenv("PHYSBACK_SFTP_PASSWORD")

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if knownHostsPath := os.Getenv("PHYSBACK_SFTP_KNOWN_HOSTS"); knownHostsPath != "" {
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts %s: %w", knownHostsPath, err)
		}
		hostKeyCallback = cb
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}
	conn, err := ssh.Dial("tcp", net.JoinHostPort(host, port), cfg)
	if err != nil {
		return nil, fmt.Errorf("dialing sftp host %s: %w", host, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening sftp session: %w", err)
	}
	return sftpdrv.New(client, config.RepoPath), nil
}

func resolveRemoteDriver() (storage.Driver, error) {
	addr := os.Getenv("PHYSBACK_REMOTE_ADDR")
	if addr == "" {
		return nil, fmt.Errorf("PHYSBACK_REMOTE_ADDR is required for repo-type=remote")
	}
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing remote repository proxy %s: %w", addr, err)
	}
	client, err := protocol.Connect(conn, "physback", "repo-proxy", config.Version, 30*time.Second)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return remotedrv.New(client), nil
}
