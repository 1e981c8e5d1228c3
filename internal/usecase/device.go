package usecase

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"healthsync/internal/domain"
	"healthsync/internal/infra/config"
)

// DeviceMonitor tracks the device conditions that gate a sync cycle:
// battery level and network connectivity. Connectivity is probed on a
// background loop; battery is read on demand.
type DeviceMonitor struct {
	batteryPath     string
	connectivityURL string
	checkPeriod     time.Duration
	minBattery      float64
	isOnline        atomic.Bool
	done            chan struct{}
	logger          *slog.Logger
}

// NewDeviceMonitor creates a monitor from device config. minBattery is the
// fraction (0..1) below which sync cycles are refused.
func NewDeviceMonitor(cfg config.DeviceConfig, minBattery float64, logger *slog.Logger) *DeviceMonitor {
	checkPeriod := cfg.CheckPeriod
	if checkPeriod <= 0 {
		checkPeriod = 30 * time.Second
	}
	m := &DeviceMonitor{
		batteryPath:     cfg.BatteryPath,
		connectivityURL: cfg.ConnectivityURL,
		checkPeriod:     checkPeriod,
		minBattery:      minBattery,
		done:            make(chan struct{}),
		logger:          logger,
	}
	m.isOnline.Store(true) // assume online at start
	return m
}

// IsOnline returns the last observed connectivity status.
func (m *DeviceMonitor) IsOnline() bool {
	return m.isOnline.Load()
}

// BatteryLevel reads the current battery fraction (0..1). With no battery
// path configured the device is assumed powered, returning 1.
func (m *DeviceMonitor) BatteryLevel() (float64, error) {
	if m.batteryPath == "" {
		return 1, nil
	}
	data, err := os.ReadFile(m.batteryPath)
	if err != nil {
		return 0, fmt.Errorf("read battery level: %w", err)
	}
	// sysfs capacity files report an integer percentage.
	pct, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse battery level: %w", err)
	}
	return float64(pct) / 100, nil
}

// CheckConditions verifies the device may start a sync cycle. Returns a
// DomainError wrapping ErrDeviceConditions naming the failed condition.
func (m *DeviceMonitor) CheckConditions() error {
	level, err := m.BatteryLevel()
	if err != nil {
		return domain.NewDomainError("DeviceMonitor.CheckConditions", domain.ErrDeviceConditions, err.Error())
	}
	if level < m.minBattery {
		return domain.NewDomainError("DeviceMonitor.CheckConditions", domain.ErrDeviceConditions,
			fmt.Sprintf("battery %.0f%% below minimum %.0f%%", level*100, m.minBattery*100))
	}
	if !m.IsOnline() {
		return domain.NewDomainError("DeviceMonitor.CheckConditions", domain.ErrNetworkUnavailable, "no connectivity")
	}
	return nil
}

// StartMonitor begins the background connectivity probe loop.
func (m *DeviceMonitor) StartMonitor() {
	go func() {
		ticker := time.NewTicker(m.checkPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				wasOnline := m.isOnline.Load()
				online := m.probeConnectivity()
				m.isOnline.Store(online)

				if !wasOnline && online {
					m.logger.Info("connectivity restored")
				} else if wasOnline && !online {
					m.logger.Warn("connectivity lost, sync cycles will be refused")
				}
			}
		}
	}()
}

// StopMonitor stops the probe loop.
func (m *DeviceMonitor) StopMonitor() {
	close(m.done)
}

func (m *DeviceMonitor) probeConnectivity() bool {
	if m.connectivityURL == "" {
		return true
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Head(m.connectivityURL)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
