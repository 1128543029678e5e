package antivirus

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metal0/mailpilot-sub003/pkg/types"
)

// maxChunkSize bounds how much payload is written per INSTREAM chunk.
const maxChunkSize = 2048

var foundPattern = regexp.MustCompile(`(?i)stream: (.+) FOUND`)

// Client speaks the clamd streaming scan protocol. It is stateless: a
// fresh connection is opened for every call and closed afterwards.
type Client struct {
	addr    string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewClient creates an antivirus client for the given clamd address
// (host:port). The timeout bounds each whole exchange.
func NewClient(addr string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		addr:    addr,
		timeout: timeout,
		logger:  logger,
	}
}

// Scan streams data to the scanner and reports the verdict. Transport
// faults, timeouts and unrecognized responses are returned as a
// non-infected result with Error set; Scan never fails the caller.
func (c *Client) Scan(data []byte, filename string) types.ScanResult {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		c.logger.WithError(err).WithField("file", filename).Warn("Antivirus connection failed")
		return types.ScanResult{Error: fmt.Sprintf("connect: %v", err)}
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return types.ScanResult{Error: fmt.Sprintf("set deadline: %v", err)}
	}

	if err := c.streamScan(conn, data); err != nil {
		c.logger.WithError(err).WithField("file", filename).Warn("Antivirus stream failed")
		return types.ScanResult{Error: fmt.Sprintf("stream: %v", err)}
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		return types.ScanResult{Error: fmt.Sprintf("read response: %v", err)}
	}

	result := parseResponse(string(resp))
	c.logger.WithFields(logrus.Fields{
		"file":     filename,
		"infected": result.Infected,
		"virus":    result.Virus,
	}).Debug("Antivirus scan complete")
	return result
}

// streamScan writes the INSTREAM command and the chunked payload:
// each chunk is a 4-byte big-endian length followed by the bytes, and
// a zero-length chunk terminates the stream.
func (c *Client) streamScan(conn net.Conn, data []byte) error {
	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return fmt.Errorf("write command: %w", err)
	}

	var size [4]byte
	for offset := 0; offset < len(data); offset += maxChunkSize {
		end := offset + maxChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		binary.BigEndian.PutUint32(size[:], uint32(len(chunk)))
		if _, err := conn.Write(size[:]); err != nil {
			return fmt.Errorf("write chunk size: %w", err)
		}
		if _, err := conn.Write(chunk); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
	}

	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := conn.Write(size[:]); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	return nil
}

// Ping checks scanner liveness. True only if the daemon answers PONG.
func (c *Client) Ping() bool {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return false
	}
	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return false
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		return false
	}
	return strings.TrimSpace(strings.Trim(string(resp), "\x00")) == "PONG"
}

// parseResponse interprets the accumulated clamd response text.
func parseResponse(resp string) types.ScanResult {
	trimmed := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp), "\x00"))

	if strings.HasSuffix(trimmed, "OK") {
		return types.ScanResult{}
	}
	if m := foundPattern.FindStringSubmatch(trimmed); m != nil {
		return types.ScanResult{Infected: true, Virus: m[1]}
	}
	if strings.Contains(trimmed, "ERROR") {
		return types.ScanResult{Error: trimmed}
	}
	return types.ScanResult{Error: fmt.Sprintf("unrecognized scanner response: %q", trimmed)}
}
