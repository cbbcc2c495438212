package command

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
)

// freePort allocates an OS-assigned TCP port on host and immediately
// releases it, mirroring the original implementation's find_free_port:
// there is an inherent race between releasing the port here and the
// debug adapter binding to it, accepted as a documented trade-off rather
// than held open across the Materializer/spawn boundary.
func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("allocating debug server port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// debugAttachConfig is the VS Code "Python: Remote Attach" launch
// configuration shape debugpy expects.
type debugAttachConfig struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Request string            `json:"request"`
	Connect map[string]string `json:"connect"`
}

// AttachURL builds the vscode:// deep link a user can open to attach the
// VS Code Python debugger to the debugpy server listening on host:port.
func AttachURL(host string, port int) string {
	cfg := debugAttachConfig{
		Name:    "Python: Remote Attach",
		Type:    "python",
		Request: "attach",
		Connect: map[string]string{"host": host, "port": fmt.Sprint(port)},
	}
	data, _ := json.Marshal(cfg)
	encoded := base64.URLEncoding.EncodeToString(data)
	return fmt.Sprintf("vscode://fabiospampinato.vscode-debug-launcher/launch?args=%s", encoded)
}
