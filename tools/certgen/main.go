// Package main writes a development Certificate Authority (CA) and a server
// certificate signed by it into the "certs" directory. An existing CA in the
// directory is reused so clients that already trust it keep working.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/atinyakov/GophBroker/internal/certgen"
)

type options struct {
	dir      string
	hosts    []string
	validity time.Duration
}

func main() {
	var o options
	pflag.StringVar(&o.dir, "dir", "certs", "output directory")
	pflag.StringSliceVar(&o.hosts, "hosts", []string{"localhost", "127.0.0.1"}, "server host names and IPs")
	pflag.DurationVar(&o.validity, "validity", 365*24*time.Hour, "server certificate validity")
	pflag.Parse()

	if err := run(o, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "certgen:", err)
		os.Exit(1)
	}
}

func run(o options, out io.Writer) error {
	caCert := filepath.Join(o.dir, "ca.crt")
	caKey := filepath.Join(o.dir, "ca.key")

	ca, err := certgen.LoadCA(caCert, caKey)
	switch {
	case err == nil:
		fmt.Fprintf(out, "Reusing CA %s\n", caCert)
	case errors.Is(err, os.ErrNotExist):
		ca, err = certgen.GenerateCA("GophBroker Dev CA", 10*365*24*time.Hour)
		if err != nil {
			return err
		}
		if err := ca.Write(caCert, caKey); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created CA %s\n", caCert)
	default:
		return err
	}

	certPEM, keyPEM, err := ca.IssueServerCertificate(o.hosts, o.validity)
	if err != nil {
		return err
	}
	if err := certgen.WritePair(filepath.Join(o.dir, "server.crt"), filepath.Join(o.dir, "server.key"), certPEM, keyPEM); err != nil {
		return err
	}

	fmt.Fprintf(out, "Server certificate for %s written to %s\n", strings.Join(o.hosts, ", "), o.dir)
	return nil
}
