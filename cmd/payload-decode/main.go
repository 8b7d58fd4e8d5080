package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sensor-node/pkg/payload"
)

func main() {
	var (
		fields string
		solar  bool
	)
	flag.StringVar(&fields, "fields", "temperature,humidity", "逗号分隔的传感器字段")
	flag.BoolVar(&solar, "solar", false, "payload 末尾带太阳能标志")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-fields f1,f2] [-solar] <hex payload>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	layout, err := parseLayout(fields, solar)
	if err != nil {
		log.Fatal().Err(err).Msg("无效的字段列表")
	}

	data, err := hex.DecodeString(strings.ReplaceAll(flag.Arg(0), " ", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("无效的十六进制 payload")
	}

	decoded, err := payload.Decode(layout, data)
	if err != nil {
		log.Fatal().Err(err).Str("layout", layout.String()).Msg("解码失败")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(decoded); err != nil {
		log.Fatal().Err(err).Msg("输出 JSON 失败")
	}
}

func parseLayout(fields string, solar bool) (payload.Layout, error) {
	var kinds []payload.FieldKind
	for _, name := range strings.Split(fields, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		k, err := payload.ParseFieldKind(name)
		if err != nil {
			return payload.Layout{}, err
		}
		kinds = append(kinds, k)
	}
	return payload.NewLayout(kinds, solar), nil
}
