// Package transports imports every built-in broker adapter so they register
// with the default transport registry.
package transports

import (
	_ "github.com/fenderchamp/bullfinch/transport/aws"
	_ "github.com/fenderchamp/bullfinch/transport/channel"
	_ "github.com/fenderchamp/bullfinch/transport/jetstream"
	_ "github.com/fenderchamp/bullfinch/transport/kafka"
	_ "github.com/fenderchamp/bullfinch/transport/nats"
	_ "github.com/fenderchamp/bullfinch/transport/rabbitmq"
	_ "github.com/fenderchamp/bullfinch/transport/redisqueue"
	_ "github.com/fenderchamp/bullfinch/transport/sqlqueue"
)
