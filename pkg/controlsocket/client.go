package controlsocket

import (
	"net"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/errs"
)

// Client is a synchronous control-socket client for CLI commands.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon's control socket.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, errs.New(errs.CodeInternalDaemonNotRunning, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends req and decodes the response into out.
func (c *Client) roundTrip(req Request, out any) error {
	if err := writeFrame(c.conn, req); err != nil {
		return errs.New(errs.CodeInternalDaemonSocket, err)
	}
	if err := readFrame(c.conn, out); err != nil {
		return errs.New(errs.CodeInternalDaemonProtocol, err)
	}
	return nil
}

// CancelBuild cancels one build.
func (c *Client) CancelBuild(buildID, reason string, force bool) (CancelBuildResponse, error) {
	var resp CancelBuildResponse
	err := c.roundTrip(Request{Type: TypeCancelBuild, BuildID: buildID, Reason: reason, Force: force}, &resp)
	return resp, err
}

// CancelAllBuilds cancels every active build.
func (c *Client) CancelAllBuilds(force bool) (CancelAllBuildsResponse, error) {
	var resp CancelAllBuildsResponse
	err := c.roundTrip(Request{Type: TypeCancelAllBuilds, Force: force}, &resp)
	return resp, err
}

// Status fetches the daemon summary.
func (c *Client) Status() (StatusResponse, error) {
	var resp StatusResponse
	err := c.roundTrip(Request{Type: TypeStatus}, &resp)
	return resp, err
}

// ListWorkers fetches every worker's introspection row.
func (c *Client) ListWorkers() (ListWorkersResponse, error) {
	var resp ListWorkersResponse
	err := c.roundTrip(Request{Type: TypeListWorkers}, &resp)
	return resp, err
}

// Doctor fetches the daemon's self-diagnosis.
func (c *Client) Doctor() (DoctorResponse, error) {
	var resp DoctorResponse
	err := c.roundTrip(Request{Type: TypeDoctor}, &resp)
	return resp, err
}

// TriageSweep runs an on-demand process-triage sweep.
func (c *Client) TriageSweep(workerIDs []string) (TriageSweepResponse, error) {
	var resp TriageSweepResponse
	err := c.roundTrip(Request{Type: TypeTriageSweep, WorkerIDs: workerIDs}, &resp)
	return resp, err
}
