// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/transport/tcp"
)

func formatAddr(a tcpip.FullAddress) string {
	if !a.Addr.IsValid() {
		return fmt.Sprintf("*:%d", a.Port)
	}
	return fmt.Sprintf("%s:%d", a.Addr, a.Port)
}

// printDiagnostics writes the sockets of p as a table, in the spirit of
// ss(8).
func printDiagnostics(w io.Writer, title string, p *tcp.Protocol) error {
	if _, err := fmt.Fprintf(w, "%s:\n", title); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "  KIND\tSTATE\tLOCAL\tREMOTE\tRECV-Q\tSEND-Q\tRETRANS\tEXPIRES")
	for _, r := range p.Diagnostics() {
		expires := "-"
		if r.Expires > 0 {
			expires = r.Expires.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Kind, r.State, formatAddr(r.Local), formatAddr(r.Remote), r.RxQueue, r.TxQueue, r.Retransmits, expires)
	}
	for _, b := range p.BindBuckets() {
		fmt.Fprintf(tw, "  bind\tclaims=%d\t*:%d\t-\t-\t-\t-\tfastreuse=%t\n", len(b.Owners), b.Port, b.FastReuse)
	}
	return tw.Flush()
}
