// Command ftpd runs a standalone FTP server backed by the local filesystem.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"

	"github.com/ftpengine/ftpd/fsdriver"
	"github.com/ftpengine/ftpd/server"
)

func main() {
	addr := flag.String("addr", ":2121", "address to listen on")
	root := flag.String("root", "", "root directory to serve (required)")
	user := flag.String("user", "", "username allowed read-write access (anonymous read-only if empty)")
	pass := flag.String("pass", "", "password for -user")
	anonWrite := flag.Bool("anon-write", false, "allow anonymous users to write")
	pasvMin := flag.Int("pasv-min-port", 0, "minimum passive-mode port (0 = OS-assigned)")
	pasvMax := flag.Int("pasv-max-port", 0, "maximum passive-mode port (0 = OS-assigned)")
	publicHost := flag.String("public-host", "", "public IP/hostname advertised in PASV/EPSV replies")
	certFile := flag.String("tls-cert", "", "TLS certificate file (enables AUTH TLS)")
	keyFile := flag.String("tls-key", "", "TLS key file (required with -tls-cert)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *root == "" {
		log.Fatal("-root is required")
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	settings := &server.Settings{
		PublicHost:  *publicHost,
		PasvMinPort: *pasvMin,
		PasvMaxPort: *pasvMax,
	}

	driverOpts := []fsdriver.Option{fsdriver.WithSettings(settings), fsdriver.WithAnonWrite(*anonWrite)}
	if *user != "" {
		driverOpts = append(driverOpts, fsdriver.WithAuthenticator(func(u, p, host string) (string, bool, error) {
			if u == *user && p == *pass {
				return *root, false, nil
			}
			if u == "anonymous" || u == "ftp" {
				return *root, !*anonWrite, nil
			}
			return "", false, os.ErrPermission
		}))
	}

	driver, err := fsdriver.New(*root, driverOpts...)
	if err != nil {
		log.Fatalf("failed to create driver: %v", err)
	}

	opts := []server.Option{server.WithDriver(driver), server.WithLogger(logger)}

	if *certFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			log.Fatalf("failed to load TLS certificate: %v", err)
		}
		opts = append(opts, server.WithTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}))
	}

	srv, err := server.NewServer(*addr, opts...)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	logger.Info("starting ftp server", "addr", *addr, "root", *root)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
