package config

import (
	"fmt"
	"github.com/sirupsen/logrus"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"
	"io/ioutil"
	"moff.io/coursewallet/internal/chains"
	"moff.io/coursewallet/internal/walletconnect"
	"moff.io/coursewallet/pkg/errors"
	"time"
)

// DBCredential struct
type DBCredential struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

func (c *DBCredential) Dsn() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
		c.Address, c.Port, c.User, c.Password, c.Database)
}

// GetRedisAddress prints redis credential info.
func (c *DBCredential) GetRedisAddress() string {
	return fmt.Sprintf("%v:%v", c.Address, c.Port)
}

func (c *DBCredential) Enabled() bool {
	return c.Address != ""
}

// Configuration struct
type Configuration struct {
	LogLevel         string              `yaml:"log_level"`
	HTTPAddress      string              `yaml:"http_address"`
	WalletConnect    WalletConnect       `yaml:"wallet_connect"`
	DefaultChainID   int64               `yaml:"default_chain_id"`
	Chains           []Chain             `yaml:"chains"`
	Contracts        map[int64]string    `yaml:"contracts"`
	Courses          map[string][]string `yaml:"courses"`
	Timeouts         Timeouts            `yaml:"timeouts"`
	RedisCredential  DBCredential        `yaml:"redis"`
	Postgres         DBCredential        `yaml:"postgres"`
	KafkaServer      string              `yaml:"kafka-server"`
	KafkaStatusTopic string              `yaml:"kafka_status_topic"`
	SentryDSN        string              `yaml:"sentry_dsn"`
	LarkAlarmWebhook string              `yaml:"lark_alarm_webhook"`
	ConnectRateLimit int                 `yaml:"connect_rate_limit"`
	AWSRegion        string              `yaml:"aws_region"`
}

type WalletConnect struct {
	BridgeURL string                   `yaml:"bridge_url"`
	Meta      walletconnect.ClientMeta `yaml:"meta"`
}

// Chain overrides or adds a registry entry.
type Chain struct {
	ID          int64  `yaml:"id"`
	Name        string `yaml:"name"`
	Symbol      string `yaml:"symbol"`
	Decimals    int    `yaml:"decimals"`
	RPCURL      string `yaml:"rpc_url"`
	ExplorerURL string `yaml:"explorer_url"`
}

type Timeouts struct {
	Connect     time.Duration `yaml:"connect"`
	SwitchChain time.Duration `yaml:"switch_chain"`
	Dial        time.Duration `yaml:"dial"`
	HTTP        time.Duration `yaml:"http"`
}

// ApplyChains adds configured chains to r, or overrides the rpc url of known ones.
func (c *Configuration) ApplyChains(r *chains.Registry) {
	for _, ch := range c.Chains {
		known, ok := r.Lookup(ch.ID)
		if ok && ch.Name == "" {
			if ch.RPCURL != "" {
				_ = r.SetRPCURL(ch.ID, ch.RPCURL)
			}
			continue
		}
		b := &chains.Blockchain{
			ID:   ch.ID,
			Name: ch.Name,
			NativeCurrency: chains.NativeCurrency{
				Name:     ch.Symbol,
				Symbol:   ch.Symbol,
				Decimals: ch.Decimals,
			},
			RPCURL:      ch.RPCURL,
			ExplorerURL: ch.ExplorerURL,
		}
		if ok {
			if b.RPCURL == "" {
				b.RPCURL = known.RPCURL
			}
			if ch.Symbol == "" {
				b.NativeCurrency = known.NativeCurrency
			}
		}
		if b.NativeCurrency.Decimals == 0 {
			b.NativeCurrency.Decimals = 18
		}
		r.Add(b)
	}
}

// ContractAddresses parses the marketplace contract of every chain.
func (c *Configuration) ContractAddresses() (map[int64]common.Address, error) {
	out := make(map[int64]common.Address, len(c.Contracts))
	for id, addr := range c.Contracts {
		if !common.IsHexAddress(addr) {
			return nil, errors.Errorf("invalid contract address %q for chain %d", addr, id)
		}
		out[id] = common.HexToAddress(addr)
	}
	return out, nil
}

func (c *Configuration) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPAddress == "" {
		c.HTTPAddress = "127.0.0.1:8080"
	}
	if c.DefaultChainID == 0 {
		c.DefaultChainID = 1
	}
	if c.WalletConnect.Meta.Name == "" {
		c.WalletConnect.Meta = walletconnect.ClientMeta{
			Description: "Course marketplace",
			URL:         "https://moff.io",
			Icons:       []string{"https://moff.io/favicon.ico"},
			Name:        "Course Wallet",
		}
	}
	if c.KafkaStatusTopic == "" {
		c.KafkaStatusTopic = "wallet_status"
	}
	if c.ConnectRateLimit == 0 {
		c.ConnectRateLimit = 10
	}
	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = 5 * time.Minute
	}
	if c.Timeouts.SwitchChain == 0 {
		c.Timeouts.SwitchChain = time.Minute
	}
	if c.Timeouts.Dial == 0 {
		c.Timeouts.Dial = 10 * time.Second
	}
	if c.Timeouts.HTTP == 0 {
		c.Timeouts.HTTP = 60 * time.Second
	}
}

// Parse decodes yaml configuration and fills in defaults.
func Parse(data []byte) (*Configuration, error) {
	var c Configuration
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	c.applyDefaults()
	return &c, nil
}

// Load reads configuration from a yaml file. An empty path yields defaults.
func Load(path string) (*Configuration, error) {
	if path == "" {
		return Parse(nil)
	}
	logrus.Infof("Loading configuration file from %s", path)
	dat, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(dat)
}
