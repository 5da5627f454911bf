// Package identity implements IdentityActor: the read-only view of the
// machine's certificate and private key on disk. It rereads its files on
// every call -- no caching -- so a concurrent provision/deprovision is
// always reflected by the next read. Grounded on
// original_source/identity/src/{handler,service}.rs (get_provision_status,
// get_machine_id) and the teacher's PEM-reading conventions in
// internal/cluster/ca.go.
package identity

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mecha-agent/agent/internal/actor"
	"github.com/mecha-agent/agent/internal/pki"
)

const (
	certFile       = "machine.pem"
	privateKeyFile = "private_key.pem"
)

// ErrIdentityRead is returned when a required identity file is missing or
// does not decode.
var ErrIdentityRead = errors.New("identity read failed")

// Error wraps ErrIdentityRead with the operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("identity: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func readErr(op string, cause error) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrIdentityRead, cause)}
}

// MachineIdentity is the derived view of the on-disk certificate/key pair.
type MachineIdentity struct {
	Cert         *x509.Certificate
	MachineID    string
	SerialNumber string
	Fingerprint  string
}

// Kind enumerates the requests IdentityActor answers.
type Kind int

const (
	KindGetMachineID Kind = iota
	KindGetProvisionStatus
	KindGetMachineCert
)

// Request is the command payload sent on the actor's channel.
type Request struct {
	Kind Kind
}

// Response is the reply payload; only the field matching the request
// Kind is populated.
type Response struct {
	MachineID   string
	Provisioned bool
	Identity    *MachineIdentity
}

// Actor answers identity queries by rereading data dir's PEM files.
type Actor struct {
	dataDir  string
	commands chan actor.Envelope[Request, Response]
}

// New creates an Actor reading identity files from dataDir. Run must be
// started on its own goroutine by the supervisor.
func New(dataDir string) *Actor {
	return &Actor{
		dataDir:  dataDir,
		commands: make(chan actor.Envelope[Request, Response], 32),
	}
}

// Commands returns the channel other actors send requests on.
func (a *Actor) Commands() chan<- actor.Envelope[Request, Response] {
	return a.commands
}

// Run processes commands until the channel is closed, draining pending
// messages first (cooperative shutdown).
func (a *Actor) Run(ctx context.Context) error {
	for {
		select {
		case env, ok := <-a.commands:
			if !ok {
				return nil
			}
			env.Reply <- a.handle(env.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Actor) handle(req Request) actor.Result[Response] {
	switch req.Kind {
	case KindGetProvisionStatus:
		return actor.Result[Response]{Value: Response{Provisioned: a.provisioned()}}
	case KindGetMachineID:
		ident, err := a.load()
		if err != nil {
			return actor.Result[Response]{Err: err}
		}
		return actor.Result[Response]{Value: Response{MachineID: ident.MachineID}}
	case KindGetMachineCert:
		ident, err := a.load()
		if err != nil {
			return actor.Result[Response]{Err: err}
		}
		return actor.Result[Response]{Value: Response{Identity: ident}}
	default:
		return actor.Result[Response]{Err: fmt.Errorf("identity: unknown request kind %d", req.Kind)}
	}
}

// provisioned reports whether both the certificate and private key files
// exist on disk.
func (a *Actor) provisioned() bool {
	_, certErr := os.Stat(filepath.Join(a.dataDir, certFile))
	_, keyErr := os.Stat(filepath.Join(a.dataDir, privateKeyFile))
	return certErr == nil && keyErr == nil
}

// load rereads and parses the certificate, deriving machine id, serial
// number, and fingerprint.
func (a *Actor) load() (*MachineIdentity, error) {
	certPEM, err := os.ReadFile(filepath.Join(a.dataDir, certFile))
	if err != nil {
		return nil, readErr("read machine.pem", err)
	}

	cert, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, readErr("parse machine.pem", err)
	}

	if _, err := os.Stat(filepath.Join(a.dataDir, privateKeyFile)); err != nil {
		return nil, readErr("stat private_key.pem", err)
	}

	return &MachineIdentity{
		Cert:         cert,
		MachineID:    cert.Subject.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		Fingerprint:  pki.Fingerprint(cert),
	}, nil
}

// GetMachineID sends a GetMachineId request and awaits the reply.
func GetMachineID(ctx context.Context, commands chan<- actor.Envelope[Request, Response]) (string, error) {
	env := actor.NewEnvelope[Request, Response](Request{Kind: KindGetMachineID})
	commands <- env
	resp, err := actor.Await(ctx, env.Reply)
	if err != nil {
		return "", err
	}
	return resp.MachineID, nil
}

// GetProvisionStatus sends a GetProvisionStatus request and awaits the reply.
func GetProvisionStatus(ctx context.Context, commands chan<- actor.Envelope[Request, Response]) (bool, error) {
	env := actor.NewEnvelope[Request, Response](Request{Kind: KindGetProvisionStatus})
	commands <- env
	resp, err := actor.Await(ctx, env.Reply)
	if err != nil {
		return false, err
	}
	return resp.Provisioned, nil
}

// GetMachineCert sends a GetMachineCert request and awaits the reply.
func GetMachineCert(ctx context.Context, commands chan<- actor.Envelope[Request, Response]) (*MachineIdentity, error) {
	env := actor.NewEnvelope[Request, Response](Request{Kind: KindGetMachineCert})
	commands <- env
	resp, err := actor.Await(ctx, env.Reply)
	if err != nil {
		return nil, err
	}
	return resp.Identity, nil
}
