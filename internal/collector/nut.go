package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
)

// NUTSource lists the UPS units served by a Network UPS Tools upsd.
type NUTSource struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewNUTSource talks to upsd at addr (host:port). timeout bounds each
// enumeration, dial included.
func NewNUTSource(addr string, timeout time.Duration) *NUTSource {
	return &NUTSource{addr: addr, timeout: timeout}
}

// Enumerate reports every UPS upsd knows about. Units on a USB driver are
// reported under the usb subsystem; anything else keeps the nut subsystem
// and is rejected by classification. A failed variable listing for one
// unit is reported with Err set; a failed connection fails the whole call.
func (s *NUTSource) Enumerate(ctx context.Context) ([]device.Report, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	nc, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("dial upsd: %w", err)
	}
	defer nc.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := nc.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	conn := textproto.NewConn(nc)
	names, err := listUPS(conn)
	if err != nil {
		return nil, err
	}

	reports := make([]device.Report, 0, len(names))
	for _, name := range names {
		id := name + "@" + s.addr
		vars, err := listVars(conn, name)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) {
				return nil, err
			}
			reports = append(reports, device.Report{ID: id, Subsystem: "nut", Err: err})
			continue
		}
		reports = append(reports, upsReport(id, vars))
	}

	_ = conn.PrintfLine("LOGOUT")
	return reports, nil
}

func listUPS(conn *textproto.Conn) ([]string, error) {
	lines, err := list(conn, "UPS")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range lines {
		// UPS <name> "<description>"
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 || fields[0] != "UPS" {
			return nil, fmt.Errorf("list ups: unexpected line %q", line)
		}
		names = append(names, fields[1])
	}
	slices.Sort(names)
	return names, nil
}

func listVars(conn *textproto.Conn, ups string) (map[string]string, error) {
	lines, err := list(conn, "VAR "+ups)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(lines))
	for _, line := range lines {
		// VAR <ups> <name> "<value>"
		fields := strings.SplitN(line, " ", 4)
		if len(fields) != 4 || fields[0] != "VAR" || fields[1] != ups {
			return nil, fmt.Errorf("list var %s: unexpected line %q", ups, line)
		}
		value, err := strconv.Unquote(fields[3])
		if err != nil {
			return nil, fmt.Errorf("list var %s: bad value for %s: %w", ups, fields[2], err)
		}
		vars[fields[2]] = value
	}
	return vars, nil
}

// list sends LIST <what> and returns the lines between BEGIN and END.
func list(conn *textproto.Conn, what string) ([]string, error) {
	if err := conn.PrintfLine("LIST %s", what); err != nil {
		return nil, fmt.Errorf("list %s: %w", strings.ToLower(what), err)
	}
	first, err := conn.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", strings.ToLower(what), err)
	}
	if code, ok := strings.CutPrefix(first, "ERR "); ok {
		return nil, fmt.Errorf("list %s: upsd error %s", strings.ToLower(what), code)
	}
	if first != "BEGIN LIST "+what {
		return nil, fmt.Errorf("list %s: unexpected reply %q", strings.ToLower(what), first)
	}

	var lines []string
	for {
		line, err := conn.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", strings.ToLower(what), err)
		}
		if line == "END LIST "+what {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// upsReport maps NUT variables onto the attributes the classifier and
// resolver read. charging is 1 while the unit runs from line power.
func upsReport(id string, vars map[string]string) device.Report {
	subsystem := "nut"
	driver := vars["driver.name"]
	if vars["driver.version.usb"] != "" || strings.Contains(driver, "usb") {
		subsystem = device.SubsystemUSB
	}

	typ := vars["device.type"]
	if typ == "" {
		typ = "ups"
	}

	charging := "0"
	status := strings.Fields(vars["ups.status"])
	if !slices.Contains(status, "OB") && (slices.Contains(status, "OL") || slices.Contains(status, "CHRG")) {
		charging = "1"
	}

	return device.Report{
		ID:        id,
		Subsystem: subsystem,
		Attributes: map[string]string{
			device.AttrType:       typ,
			device.AttrCharging:   charging,
			device.AttrPercentage: vars["battery.charge"],
			"driver":              driver,
			"status":              vars["ups.status"],
			"model":               vars["ups.model"],
			"serial":              vars["ups.serial"],
		},
	}
}
