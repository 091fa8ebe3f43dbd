// Package mqtt connects the bridge to the sensor broker.
//
// It wraps paho.mqtt.golang with connection tracking, automatic
// resubscription after reconnect, panic-safe handlers and publish
// validation. Messages are delivered to handlers sequentially in arrival
// order.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	for _, topic := range cfg.MQTT.Topics {
//	    if err := client.Subscribe(topic, 0, engine.HandleMessage); err != nil {
//	        return err
//	    }
//	}
//
//	topics := mqtt.Topics{}
//	client.PublishString(topics.Control(cfg.Bridge.ControlTopic, code), topics.ShowSetting(token), 0, false)
//
// Topic filters may use the + and # wildcards; MatchTopic applies the same
// rules locally.
package mqtt
