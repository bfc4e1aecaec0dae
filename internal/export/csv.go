package export

import (
	"encoding/csv"
	"io"
	"net/http"
	"strconv"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
)

// CSVHeader is the JMeter results layout, so runs can be loaded into the
// usual JTL tooling.
var CSVHeader = []string{
	"timeStamp", "elapsed", "label", "responseCode", "responseMessage",
	"threadName", "dataType", "success", "failureMessage", "bytes",
	"sentBytes", "grpThreads", "allThreads", "URL", "Latency", "IdleTime", "Connect",
}

// WriteCSV writes one row per probe invocation. timeStamp is the start of
// the invocation in Unix ms.
func WriteCSV(w io.Writer, results []probe.Result, vus int) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}

	threads := strconv.Itoa(vus)
	for _, res := range results {
		elapsed := strconv.FormatInt(res.Latency.Milliseconds(), 10)
		msg := ""
		if !res.Success {
			msg = string(res.Failure)
			if res.Detail != "" {
				msg += ": " + res.Detail
			}
		}
		code := ""
		if res.HTTPStatus != 0 {
			code = strconv.Itoa(res.HTTPStatus)
		}

		record := []string{
			strconv.FormatInt(res.Timestamp.Add(-res.Latency).UnixMilli(), 10),
			elapsed,
			res.Service.String(),
			code,
			http.StatusText(res.HTTPStatus),
			"stackload " + res.Service.String(),
			"text",
			strconv.FormatBool(res.Success),
			msg,
			strconv.FormatInt(res.Bytes, 10),
			"0", // request bodies are not tracked
			threads,
			threads,
			"",
			elapsed,
			"0",
			"0",
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
