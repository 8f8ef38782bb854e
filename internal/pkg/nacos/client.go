package nacos

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"fulfillment/internal/pkg/logger"
)

const defaultGroup = "DEFAULT_GROUP"

// naming 是用到的 naming_client.INamingClient 子集
type naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
	SelectOneHealthyInstance(param vo.SelectOneHealthInstanceParam) (*model.Instance, error)
	CloseClient()
}

// Instance 本服务注册到 Nacos 的一个实例
type Instance struct {
	Service string
	IP      string
	Port    int
}

func (i Instance) String() string {
	return i.Service + "@" + net.JoinHostPort(i.IP, strconv.Itoa(i.Port))
}

// Client 服务注册与伙伴地址发现，注册、注销、发现都在同一个 group 下
type Client struct {
	naming naming
	group  string
}

// NewNacosClient addrs 形如 "ip1:port1,ip2:port2"
func NewNacosClient(addrs, namespace, group string) (*Client, error) {
	servers, err := parseServerConfigs(addrs)
	if err != nil {
		return nil, err
	}
	nc, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig: constant.NewClientConfig(
			constant.WithNamespaceId(namespace),
			constant.WithNotLoadCacheAtStart(true),
			constant.WithLogDir("/tmp/nacos/log"),
			constant.WithCacheDir("/tmp/nacos/cache"),
			constant.WithLogLevel("warn"),
		),
		ServerConfigs: servers,
	})
	if err != nil {
		return nil, fmt.Errorf("create nacos naming client: %w", err)
	}
	logger.L().Info().Str("addrs", addrs).Str("namespace", namespace).Msg("✅ nacos naming client ready")
	return newClient(nc, group), nil
}

func newClient(nc naming, group string) *Client {
	if group == "" {
		group = defaultGroup
	}
	return &Client{naming: nc, group: group}
}

// Register 以临时实例注册，心跳断开后由 Nacos 摘除
func (c *Client) Register(inst Instance) error {
	ok, err := c.naming.RegisterInstance(vo.RegisterInstanceParam{
		ServiceName: inst.Service,
		GroupName:   c.group,
		Ip:          inst.IP,
		Port:        uint64(inst.Port),
		Weight:      10,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    map[string]string{"protocol": "http"},
	})
	if err == nil && !ok {
		err = errors.New("rejected by server")
	}
	if err != nil {
		return fmt.Errorf("register %s: %w", inst, err)
	}
	logger.L().Info().Stringer("instance", inst).Msg("✅ registered to nacos")
	return nil
}

func (c *Client) Deregister(inst Instance) error {
	if _, err := c.naming.DeregisterInstance(vo.DeregisterInstanceParam{
		ServiceName: inst.Service,
		GroupName:   c.group,
		Ip:          inst.IP,
		Port:        uint64(inst.Port),
		Ephemeral:   true,
	}); err != nil {
		return fmt.Errorf("deregister %s: %w", inst, err)
	}
	logger.L().Info().Stringer("instance", inst).Msg("deregistered from nacos")
	return nil
}

// Resolve 实现 httpclient.Resolver：按权重挑一个健康实例，返回 http://ip:port
func (c *Client) Resolve(service string) (string, error) {
	inst, err := c.naming.SelectOneHealthyInstance(vo.SelectOneHealthInstanceParam{
		ServiceName: service,
		GroupName:   c.group,
	})
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", service, err)
	}
	if inst == nil || inst.Ip == "" {
		return "", fmt.Errorf("resolve %s: no healthy instance", service)
	}
	return "http://" + net.JoinHostPort(inst.Ip, strconv.FormatUint(inst.Port, 10)), nil
}

func (c *Client) Close() {
	c.naming.CloseClient()
}

// parseServerConfigs 解析 "ip1:port1,ip2:port2"
func parseServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var out []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
		if err != nil || host == "" {
			return nil, fmt.Errorf("invalid nacos address %q", addr)
		}
		port, err := strconv.ParseUint(portStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port in nacos address %q", addr)
		}
		out = append(out, *constant.NewServerConfig(host, port))
	}
	return out, nil
}
