package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"liuproxy_validator/internal/shared/logger"
)

// BatchResult counts the outcomes of one batch run.
type BatchResult struct {
	Total   int
	Success int
	Failed  int
}

// ReadURIs reads one URI per line. Lines may be long (vmess), so the scanner buffer is raised.
func ReadURIs(r io.Reader) ([]string, error) {
	var uris []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		uris = append(uris, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return uris, nil
}

// RunBatch validates every line of in and writes one JSON object per outcome to out, in
// completion order. The results history is updated as in web mode.
func (s *AppServer) RunBatch(ctx context.Context, in io.Reader, out io.Writer) (BatchResult, error) {
	var res BatchResult
	uris, err := ReadURIs(in)
	if err != nil {
		return res, err
	}

	s.manager.Start()
	defer s.Stop()

	scanID, outcomes := s.manager.Scan(ctx, uris)
	logger.Info().Str("scan_id", scanID).Int("lines", len(uris)).Msg("Batch scan started.")

	enc := json.NewEncoder(out)
	var writeErr error
	for o := range outcomes {
		res.Total++
		if o.Result.OK {
			res.Success++
		} else {
			res.Failed++
		}
		if writeErr != nil {
			continue
		}
		// 输出失败后仍然消费完通道，保证所有任务释放资源
		if err := enc.Encode(o.View()); err != nil {
			writeErr = fmt.Errorf("failed to write outcome: %w", err)
		}
	}
	logger.Info().
		Int("total", res.Total).
		Int("success", res.Success).
		Int("failed", res.Failed).
		Msg("Batch scan finished.")
	return res, writeErr
}
