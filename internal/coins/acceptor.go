package coins

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/printbit/kiosk/internal/retry"
)

// Status reports the coin acceptor's transport health. The acceptor being
// absent or dying mid-session disables coin intake but never crashes the
// kiosk process.
type Status struct {
	Connected bool   `json:"connected"`
	Port      string `json:"portIdentifier"`
	LastError string `json:"lastError,omitempty"`
}

const (
	// openAttempts and openBackoff shape one round of connection attempts.
	openAttempts = 5
	openBackoff  = time.Second

	// rediscoverInterval is the pause between rounds once a full round has
	// failed. Covers the operator plugging the acceptor in mid-shift.
	rediscoverInterval = 30 * time.Second
)

// Acceptor reads newline-delimited tokens from the coin acceptor's serial
// port and feeds them to the decoder. It keeps trying to (re)connect for the
// life of the process.
type Acceptor struct {
	decoder  *Decoder
	logger   *slog.Logger
	portName string // empty = first detected port
	baud     int

	mu     sync.RWMutex
	status Status
	port   serial.Port
}

// NewAcceptor creates a serial acceptor. portName may be empty to use the
// first port the OS reports.
func NewAcceptor(decoder *Decoder, portName string, baud int, logger *slog.Logger) *Acceptor {
	return &Acceptor{
		decoder:  decoder,
		logger:   logger,
		portName: portName,
		baud:     baud,
	}
}

// Status returns the current transport status.
func (a *Acceptor) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Start launches the connect/read loop. Missing hardware is reported through
// Status and the log; the returned error is always nil so the host process
// keeps running.
func (a *Acceptor) Start(ctx context.Context) error {
	go a.run(ctx)
	go func() {
		<-ctx.Done()
		a.Close()
	}()
	return nil
}

// run alternates between connection rounds and read sessions until ctx ends.
func (a *Acceptor) run(ctx context.Context) {
	for ctx.Err() == nil {
		var name string
		var port serial.Port

		err := retry.Do(ctx, openAttempts, openBackoff, func() error {
			n, p, err := a.open()
			if err != nil {
				return err
			}
			name, port = n, p
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.setStatus(Status{Port: name, LastError: err.Error()})
			a.logger.Warn("coin acceptor unavailable, will rediscover",
				"port", name, "error", err, "retry_in", rediscoverInterval)
			select {
			case <-ctx.Done():
				return
			case <-time.After(rediscoverInterval):
			}
			continue
		}

		a.mu.Lock()
		a.port = port
		a.status = Status{Connected: true, Port: name}
		a.mu.Unlock()

		a.logger.Info("coin acceptor connected", "port", name, "baud", a.baud)

		// Blocks until the port dies or Close is called.
		a.readLoop(name)
	}
}

// open discovers and opens the serial port for one attempt.
func (a *Acceptor) open() (string, serial.Port, error) {
	name := a.portName
	if name == "" {
		ports, err := serial.GetPortsList()
		if err != nil {
			return "", nil, err
		}
		if len(ports) == 0 {
			return "", nil, errors.New("no serial ports found")
		}
		name = ports[0]
	}

	port, err := serial.Open(name, &serial.Mode{BaudRate: a.baud})
	if err != nil {
		return name, nil, err
	}
	return name, port, nil
}

// Close shuts the port down, unblocking the read loop.
func (a *Acceptor) Close() {
	a.mu.Lock()
	port := a.port
	a.port = nil
	a.mu.Unlock()

	if port != nil {
		_ = port.Close()
	}
	a.decoder.Close()
}

func (a *Acceptor) readLoop(name string) {
	a.mu.RLock()
	port := a.port
	a.mu.RUnlock()
	if port == nil {
		return
	}

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		a.decoder.HandleLine(scanner.Text())
	}

	errText := "port closed"
	if err := scanner.Err(); err != nil {
		errText = err.Error()
		a.logger.Warn("coin acceptor read error", "port", name, "error", err)
	} else {
		a.logger.Info("coin acceptor disconnected", "port", name)
	}

	a.setStatus(Status{Port: name, LastError: errText})
}

func (a *Acceptor) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}
