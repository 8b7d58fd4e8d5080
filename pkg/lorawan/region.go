package lorawan

import (
	"fmt"
	"strings"
	"time"
)

// Default RX window timings of LoRaWAN 1.0.x
const (
	ReceiveDelay1    = 1 * time.Second
	ReceiveDelay2    = 2 * time.Second
	JoinAcceptDelay1 = 5 * time.Second
	JoinAcceptDelay2 = 6 * time.Second
)

// RegionConfiguration holds what the node needs of a regional band plan
type RegionConfiguration struct {
	Name                string
	DefaultChannels     []Channel
	DataRates           []DataRate
	MaxPayloadSizePerDR map[int]int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32
}

// Channel is one uplink frequency and its allowed data rates
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate is a spreading factor and bandwidth pair
type DataRate struct {
	SpreadFactor int
	Bandwidth    int
}

// String renders the Semtech datr form, e.g. "SF7BW125"
func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", d.SpreadFactor, d.Bandwidth)
}

// GetRegionConfiguration looks up a band plan by name, case-insensitive
func GetRegionConfiguration(region string) (*RegionConfiguration, error) {
	switch strings.ToUpper(region) {
	case "EU868", "":
		return &EU868Configuration, nil
	case "CN470", "CN470_510":
		return &CN470Configuration, nil
	default:
		return nil, fmt.Errorf("unsupported region %q", region)
	}
}

// DataRate returns the data rate for index dr
func (r *RegionConfiguration) DataRate(dr int) (DataRate, error) {
	if dr < 0 || dr >= len(r.DataRates) {
		return DataRate{}, fmt.Errorf("%s: invalid data rate DR%d", r.Name, dr)
	}
	return r.DataRates[dr], nil
}

// MaxPayloadSize returns the largest MACPayload allowed at dr, 0 if unknown
func (r *RegionConfiguration) MaxPayloadSize(dr int) int {
	return r.MaxPayloadSizePerDR[dr]
}

// EU868Configuration: three default join channels, RX2 on 869.525MHz
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
		{SpreadFactor: 7, Bandwidth: 250},  // DR6
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 59, 1: 59, 2: 59, 3: 123, 4: 250, 5: 250, 6: 250,
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 869525000,
}

// CN470Configuration: first eight uplink channels of the 470MHz plan
var CN470Configuration = RegionConfiguration{
	Name:            "CN470",
	DefaultChannels: cn470Channels(8),
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 59, 1: 59, 2: 59, 3: 123, 4: 230, 5: 230,
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 505300000,
}

// cn470Channels 生成 CN470 前 n 个上行信道，间隔 200kHz
func cn470Channels(n int) []Channel {
	channels := make([]Channel, n)
	for i := range channels {
		channels[i] = Channel{
			Frequency: 470300000 + uint32(i)*200000,
			MinDR:     0,
			MaxDR:     5,
		}
	}
	return channels
}
