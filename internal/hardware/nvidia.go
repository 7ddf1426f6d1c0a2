package hardware

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"modelrm/pkg/types"
)

const defaultSMITimeout = 2 * time.Second

var smiArgs = []string{
	"--query-gpu=index,name,memory.total,memory.free,compute_cap",
	"--format=csv,noheader,nounits",
}

// NvidiaSMI queries NVIDIA GPUs through the nvidia-smi binary.
type NvidiaSMI struct {
	// Bin is the nvidia-smi path; empty resolves it from PATH.
	Bin     string
	Timeout time.Duration

	run func(ctx context.Context, bin string, args ...string) ([]byte, error)
}

func runCommand(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).Output()
}

// QueryGPUs runs nvidia-smi and parses one accelerator per output line.
func (n *NvidiaSMI) QueryGPUs(ctx context.Context) ([]types.Accelerator, error) {
	bin := n.Bin
	if bin == "" {
		p, err := exec.LookPath("nvidia-smi")
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi not found: %w", err)
		}
		bin = p
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = defaultSMITimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	run := n.run
	if run == nil {
		run = runCommand
	}
	out, err := run(ctx, bin, smiArgs...)
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMIOutput(out)
}

// parseSMIOutput parses "index, name, total MiB, free MiB, compute_cap" rows.
func parseSMIOutput(out []byte) ([]types.Accelerator, error) {
	var accels []types.Accelerator
	sc := bufio.NewScanner(bytes.NewReader(out))
	line := 0
	for sc.Scan() {
		line++
		row := strings.TrimSpace(sc.Text())
		if row == "" {
			continue
		}
		fields := strings.Split(row, ",")
		if len(fields) < 4 {
			return nil, fmt.Errorf("nvidia-smi line %d: expected at least 4 fields, got %d", line, len(fields))
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi line %d: index: %w", line, err)
		}
		totalMiB, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi line %d: memory.total: %w", line, err)
		}
		freeMiB, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi line %d: memory.free: %w", line, err)
		}
		cc := types.CPUOnly
		if len(fields) > 4 {
			// older drivers print "[N/A]" for compute_cap
			if v, err := types.ParseComputeCapability(fields[4]); err == nil {
				cc = v
			}
		}
		accels = append(accels, types.Accelerator{
			ID:                 fmt.Sprintf("gpu%d", idx),
			Name:               strings.TrimPrefix(fields[1], "NVIDIA "),
			TotalVRAMBytes:     totalMiB << 20,
			AvailableVRAMBytes: freeMiB << 20,
			Compute:            cc,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return accels, nil
}
