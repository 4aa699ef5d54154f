package power

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/phuslu/log"
)

// SysfsMonitor polls /sys/class/power_supply for battery level and
// charging status and classifies connectivity from the available
// network interfaces. Devices without a battery report 100%/charging.
type SysfsMonitor struct {
	log       log.Logger
	root      string
	poll_dur  time.Duration
	powersave bool
}

type SysfsConfig struct {
	Root         string
	PollInterval time.Duration
	PowerSave    bool
}

func NewSysfsMonitor(config *SysfsConfig) *SysfsMonitor {
	o := &SysfsMonitor{}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "power").Value()
	o.root = config.Root
	if o.root == "" {
		o.root = "/sys/class/power_supply"
	}
	o.poll_dur = config.PollInterval
	if o.poll_dur == 0 {
		o.poll_dur = 10 * time.Second
	}
	o.powersave = config.PowerSave
	return o
}

func (m *SysfsMonitor) Current() State {
	st := State{BatteryLevel: 100, Charging: true, PowerSave: m.powersave}
	entries, err := os.ReadDir(m.root)
	if err == nil {
		for _, e := range entries {
			capb, err := os.ReadFile(filepath.Join(m.root, e.Name(), "capacity"))
			if err != nil {
				continue
			}
			level, err := strconv.Atoi(strings.TrimSpace(string(capb)))
			if err != nil {
				continue
			}
			st.BatteryLevel = level
			statb, err := os.ReadFile(filepath.Join(m.root, e.Name(), "status"))
			if err == nil {
				status := strings.TrimSpace(string(statb))
				st.Charging = status == "Charging" || status == "Full"
			}
			break
		}
	}
	st.Network = classifyNetwork()
	return st
}

func (m *SysfsMonitor) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 1)
	go func() {
		defer close(ch)
		last := m.Current()
		ch <- last
		ticker := time.NewTicker(m.poll_dur)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := m.Current()
				if st != last {
					m.log.Debug().Int("battery_level", st.BatteryLevel).Bool("charging", st.Charging).Str("network", st.Network.String()).Msg("power state changed")
					last = st
					select {
					case ch <- st:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

func classifyNetwork() NetworkClass {
	ifaces, err := net.Interfaces()
	if err != nil {
		return NetworkNone
	}
	class := NetworkNone
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		name := ifc.Name
		if strings.HasPrefix(name, "ww") || strings.HasPrefix(name, "rmnet") {
			if class < NetworkCellular {
				class = NetworkCellular
			}
		} else {
			return NetworkWifi
		}
	}
	return class
}
