package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sensor-node/internal/config"
	"github.com/lorawan-server/lorawan-sensor-node/internal/display"
	"github.com/lorawan-server/lorawan-sensor-node/internal/models"
	"github.com/lorawan-server/lorawan-sensor-node/internal/node"
	"github.com/lorawan-server/lorawan-sensor-node/internal/power"
	"github.com/lorawan-server/lorawan-sensor-node/internal/radio"
	"github.com/lorawan-server/lorawan-sensor-node/internal/sensor"
	"github.com/lorawan-server/lorawan-sensor-node/internal/storage"
	"github.com/lorawan-server/lorawan-sensor-node/internal/watchdog"
	"github.com/lorawan-server/lorawan-sensor-node/pkg/lorawan"
	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

// wakeCycle holds everything built for one wake cycle
type wakeCycle struct {
	node     *node.Node
	watchdog *watchdog.Soft
	closers  []func() error
}

func (c *wakeCycle) close() {
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close collaborator")
		}
	}
}

func (c *wakeCycle) watchdogFired() bool {
	return c.watchdog != nil && c.watchdog.Fired()
}

func buildCycle(cfg *config.Config, store storage.Store, cycle int, abort context.CancelFunc) (_ *wakeCycle, err error) {
	c := &wakeCycle{}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	devEUI, joinEUI, appKey, err := cfg.Device.Keys()
	if err != nil {
		return nil, err
	}
	layout, err := cfg.Payload.Layout()
	if err != nil {
		return nil, err
	}

	notifier := buildNotifier(cfg, devEUI, c)

	mac, err := buildRadio(cfg, devEUI, joinEUI, appKey, store, cycle)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, mac.Close)

	source, err := buildSensors(cfg, cycle, c)
	if err != nil {
		return nil, err
	}
	collector := sensor.NewCollector(source, buildMonitor(cfg.Power), layout)

	controller := power.NewController(power.HostSleeper{Scale: cfg.Schedule.SleepScale}, notifier)

	var wd watchdog.Watchdog = watchdog.Nop{}
	if cfg.Watchdog.Enabled {
		c.watchdog = watchdog.NewSoft(cfg.Watchdog.Timeout, abort)
		controller.SetWatchdog(c.watchdog)
		wd = c.watchdog
	}

	policy := node.DefaultPolicy()
	policy.SendInterval = cfg.Schedule.SendInterval
	policy.FirstSendDelay = cfg.Schedule.FirstSendDelay
	policy.PayloadRetry = cfg.Schedule.PayloadRetry
	policy.NotJoinedRetry = cfg.Schedule.NotJoinedRetry
	policy.Port = cfg.Device.Port
	policy.Confirmed = cfg.Device.Confirmed

	c.node, err = node.New(node.Options{
		DevEUI:       models.EUI64(devEUI),
		Policy:       policy,
		LoopInterval: cfg.Schedule.LoopInterval,
		Radio:        mac,
		Source:       collector,
		Notifier:     notifier,
		Power:        controller,
		Watchdog:     wd,
		Journal:      store,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildRadio(cfg *config.Config, devEUI, joinEUI lorawan.EUI64, appKey lorawan.AES128Key, store storage.Store, cycle int) (*radio.MAC, error) {
	region, err := lorawan.GetRegionConfiguration(cfg.Radio.Region)
	if err != nil {
		return nil, err
	}

	var transport radio.Transport
	switch cfg.Radio.Transport {
	case "nats":
		transport, err = radio.NewNATSTransport(radio.NATSConfig{
			URL:           cfg.NATS.URL,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
			GatewayID:     cfg.Radio.GatewayID,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectInterval,
		})
	case "udp":
		var gw [8]byte
		if gw, err = cfg.Radio.GatewayEUI(); err == nil {
			transport, err = radio.NewUDPTransport(radio.UDPConfig{
				Server:       cfg.Radio.UDPServer,
				GatewayEUI:   gw,
				PullInterval: cfg.Radio.PullInterval,
			})
		}
	default:
		transport = radio.NewSimTransport(radio.SimConfig{
			AppKey:            appKey,
			AcceptProbability: cfg.Radio.Sim.AcceptProbability,
			Seed:              cfg.Radio.Sim.Seed + int64(cycle),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("radio transport %s: %w", cfg.Radio.Transport, err)
	}

	mac, err := radio.NewMAC(radio.MACConfig{
		DevEUI:         devEUI,
		JoinEUI:        joinEUI,
		AppKey:         appKey,
		Region:         region,
		DataRate:       cfg.Radio.DataRate,
		RXWindowMargin: cfg.Radio.RXWindowMargin,
	}, transport, store)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return mac, nil
}

func buildSensors(cfg *config.Config, cycle int, c *wakeCycle) (sensor.Source, error) {
	sources := make([]sensor.Source, 0, len(cfg.Sensors))

	for _, sc := range cfg.Sensors {
		var src sensor.Source

		switch sc.Type {
		case "modbus":
			regs := make([]sensor.Register, 0, len(sc.Registers))
			for _, r := range sc.Registers {
				field, err := payload.ParseFieldKind(r.Field)
				if err != nil {
					return nil, err
				}
				regs = append(regs, sensor.Register{
					Field:   field,
					Address: r.Address,
					Input:   r.Input,
					Signed:  r.Signed,
					Divisor: r.Divisor,
				})
			}
			m, err := sensor.NewModbus(sensor.ModbusConfig{
				Name:      sc.Name,
				Endpoint:  sc.Endpoint,
				Serial:    sc.Serial,
				BaudRate:  sc.BaudRate,
				SlaveID:   sc.SlaveID,
				Timeout:   sc.Timeout,
				Registers: regs,
			})
			if err != nil {
				return nil, err
			}
			c.closers = append(c.closers, m.Close)
			src = m

		default:
			base, err := sc.BaseValues()
			if err != nil {
				return nil, err
			}
			src = sensor.NewSimulated(sc.Name, base, sc.Jitter, sc.FailureRate, sc.Seed+int64(cycle))
		}

		switch {
		case sc.PowerRail != "":
			src = sensor.NewPowered(src, sensor.FileRail{Path: sc.PowerRail}, sc.Stabilization)
		case sc.Stabilization > 0:
			src = sensor.NewPowered(src, sensor.NopRail{}, sc.Stabilization)
		}
		sources = append(sources, src)
	}

	return sensor.NewMulti(sources...), nil
}

func buildMonitor(cfg config.PowerConfig) power.Monitor {
	if cfg.Monitor == "sysfs" {
		return power.NewSysfsMonitor(cfg.SysfsRoot)
	}
	return power.StaticMonitor{Voltage: cfg.BatteryVoltage, Charging: cfg.SolarCharging}
}

func buildNotifier(cfg *config.Config, devEUI lorawan.EUI64, c *wakeCycle) display.Notifier {
	var fan display.Fanout

	if cfg.Display.Enabled {
		fan = append(fan, display.NewQueue(nil))
	}

	if cfg.MQTT.Enabled {
		m, err := display.NewMQTT(display.MQTTConfig{
			BrokerURL:   cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, devEUI.String())
		if err != nil {
			// the status display is optional; the cycle runs without it
			log.Warn().Err(err).Msg("MQTT display unavailable")
		} else {
			c.closers = append(c.closers, func() error { m.Close(); return nil })
			fan = append(fan, m)
		}
	}

	if len(fan) == 0 {
		return display.Disabled{}
	}
	return fan
}
