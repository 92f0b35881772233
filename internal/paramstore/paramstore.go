// Package paramstore reads device parameters through the device's parameter
// client command, and holds the demo key/value table served over RPC.
package paramstore

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/logger"
)

// DefaultTimeout bounds one client invocation.
const DefaultTimeout = 2 * time.Second

// Client looks up parameters as "<command> get root.<app>.<name>".
type Client struct {
	app     string
	argv    []string
	timeout time.Duration
	log     *logger.Logger
}

// New parses command with shell quoting rules. An empty command yields a
// client whose lookups all miss.
func New(app, command string, log *logger.Logger) (*Client, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidArgument, err, "parse parameter client command %q", command)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{app: app, argv: argv, timeout: DefaultTimeout, log: log}, nil
}

// Key returns the full parameter path for name.
func (c *Client) Key(name string) string {
	return "root." + c.app + "." + name
}

// Get returns the first output line of the client with trailing CR/LF
// trimmed and every double quote removed. A missing client or a failing
// lookup reports ok=false.
func (c *Client) Get(name string) (string, bool) {
	if c == nil || len(c.argv) == 0 {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	args := append(append([]string{}, c.argv[1:]...), "get", c.Key(name))
	out, err := exec.CommandContext(ctx, c.argv[0], args...).Output()
	if err != nil {
		c.log.Debug("ParamStore", "Lookup of %s failed: %v", c.Key(name), err)
		return "", false
	}

	line, err := bufio.NewReader(bytes.NewReader(out)).ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	value := strings.ReplaceAll(strings.TrimRight(line, "\r\n"), `"`, "")
	c.log.Debug("ParamStore", "%s = %q", c.Key(name), value)
	return value, true
}

// demoValues is the key/value table answered by the parameter RPC.
var demoValues = map[string]string{
	"key1": "value1",
	"key2": "value2",
	"key3": "value3",
	"key4": "value4",
	"key5": "value5",
}

// DemoValue returns the demo table entry for key, or "" when absent.
func DemoValue(key string) string {
	return demoValues[key]
}
