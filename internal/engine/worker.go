package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
)

const (
	opLoad  byte = 1
	opInfer byte = 2

	statusOK    byte = 0
	statusError byte = 1
)

// Worker drives an out-of-process inference engine.
// Requests go over stdin; responses come back on a dedicated pipe (FD 3) so engine logs on stdout/stderr
// never corrupt the data stream.
type Worker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu sync.Mutex
}

// NewWorker starts the engine process.
func NewWorker(id int, name string, args ...string) (*Worker, error) {
	cmd := utils.NewSafeCommand(name, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	cmd.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Worker{
		ID:       id,
		Cmd:      cmd,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
// Protocol: [Length uint32 BE][Body]
func (w *Worker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.Timeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(w.Timeout))
	}

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // A crashed engine surfaces here
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Load asks the engine to open a model file.
func (w *Worker) Load(model string) error {
	req := new(bytes.Buffer)
	req.WriteByte(opLoad)
	writeString(req, model)

	resp, err := w.Communicate(req.Bytes())
	if err != nil {
		return err
	}
	_, err = readStatus(bytes.NewReader(resp))
	return err
}

// Run executes a loaded model on one input tensor.
//
// Request:  [Op=2][Model][NDim u8][Dims u32...][Count u32][Data f32...]
// Response: [Status=0][NumOutputs u32] then per output [Name][NDim u8][Dims u32...][Count u32][Data f32...]
// Error:    [Status=1][MsgLen u32][Msg]
func (w *Worker) Run(model string, input Tensor) ([]Output, error) {
	req := new(bytes.Buffer)
	req.WriteByte(opInfer)
	writeString(req, model)
	writeTensor(req, input.Shape, input.Data)

	resp, err := w.Communicate(req.Bytes())
	if err != nil {
		return nil, err
	}
	return decodeOutputs(resp)
}

// Close shuts the engine down. A nil Cmd is allowed so tests can inject pipes.
func (w *Worker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

func decodeOutputs(resp []byte) ([]Output, error) {
	r := bytes.NewReader(resp)
	if _, err := readStatus(r); err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed output count: %w", err)
	}

	outputs := make([]Output, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("malformed output %d name: %w", i, err)
		}
		shape, data, err := readTensor(r)
		if err != nil {
			return nil, fmt.Errorf("malformed output %q: %w", name, err)
		}
		outputs = append(outputs, Output{Name: name, Shape: shape, Data: data})
	}
	return outputs, nil
}

func readStatus(r *bytes.Reader) (byte, error) {
	status, err := r.ReadByte()
	if err != nil {
		return 0, errors.New("empty response from inference worker")
	}
	if status == statusOK {
		return status, nil
	}

	var msgLen uint32
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return status, fmt.Errorf("inference worker error: status %d", status)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return status, fmt.Errorf("inference worker error: status %d", status)
	}
	return status, fmt.Errorf("inference worker error: %s", msg)
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeTensor(buf *bytes.Buffer, shape []int, data []float32) {
	buf.WriteByte(byte(len(shape)))
	for _, d := range shape {
		binary.Write(buf, binary.BigEndian, uint32(d))
	}
	binary.Write(buf, binary.BigEndian, uint32(len(data)))
	binary.Write(buf, binary.BigEndian, data)
}

func readTensor(r *bytes.Reader) ([]int, []float32, error) {
	ndim, err := r.ReadByte()
	if err != nil {
		return nil, nil, err
	}
	shape := make([]int, ndim)
	for i := range shape {
		var d uint32
		if err := binary.Read(r, binary.BigEndian, &d); err != nil {
			return nil, nil, err
		}
		shape[i] = int(d)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, nil, err
	}
	if int64(count)*4 > int64(r.Len()) {
		return nil, nil, fmt.Errorf("tensor claims %d values but only %d bytes remain", count, r.Len())
	}
	data := make([]float32, count)
	if err := binary.Read(r, binary.BigEndian, data); err != nil {
		return nil, nil, err
	}
	return shape, data, nil
}
