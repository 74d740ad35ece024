package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/wfunc/koinet/internal/config"
	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/logger"
	"go.uber.org/zap"
)

// Publisher 遥测消息发布接口
type Publisher interface {
	Publish(topic string, retained bool, payload interface{}) error
	Close()
}

// MQTTPublisher 基于 paho 的发布者
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
}

// NewMQTTPublisher 连接到MQTT代理
func NewMQTTPublisher(cfg *config.TelemetryConfig) (*MQTTPublisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("koinet-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.GetModuleLogger("mqtt").Warn("MQTT连接断开，自动重连中", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15*time.Second) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = fmt.Errorf("连接超时")
		}
		return nil, errors.Wrapf(err, errors.ErrMQTTConnect, "代理: %s", cfg.Broker)
	}

	return &MQTTPublisher{client: client, qos: cfg.QoS}, nil
}

// Publish 以JSON发布消息
func (p *MQTTPublisher) Publish(topic string, retained bool, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrMessageFormat)
	}

	token := p.client.Publish(topic, p.qos, retained, data)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.Newf(errors.ErrMQTTPublish, "发布超时: %s", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, errors.ErrMQTTPublish, "主题: %s", topic)
	}
	logger.LogMQTTMessage(topic, "publish", payload)
	return nil
}

// Close 断开连接
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
