// Package mqtt connects the MRS core to the device bus.
//
// Device controllers sit on the far side of a Mosquitto broker. The core
// publishes open and close commands and sensor queries, and receives
// acknowledgements, completion events and heartbeats. Topic layout is built
// by Topics under a per-site prefix.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	t := client.Topics()
//	err = client.Subscribe(t.AllEvents(), 1, func(topic string, payload []byte) error {
//	    ...
//	})
//
// The client publishes a retained online status on connect and registers a
// Last Will so an unexpected disconnect shows as offline.
package mqtt
