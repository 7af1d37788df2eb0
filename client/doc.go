// Package client speaks the kolabd protocol. UDPClient covers the
// connectionless requests (login, manager task query, priority change) and
// Session holds an identified TCP connection.
//
//	udp := client.NewUDP("127.0.0.1:50032")
//	port, err := udp.Login(ctx, protocol.RoleEmployee, "bob")
//	if err != nil { log.Fatal(err) }
//	sess, err := client.Dial(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
//	if err != nil { log.Fatal(err) }
//	defer sess.Close()
//	if err := sess.Identify(ctx, protocol.RoleEmployee, "bob"); err != nil { log.Fatal(err) }
//	tasks, err := sess.ListJSON(ctx)
package client
