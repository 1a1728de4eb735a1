// Package mongodb stores orders and tables as documents. Transactions need a
// replica set; LockTable bumps a counter on the table document so that two
// transactions touching the same table conflict and one of them is retried.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tableside/internal/models"
	"tableside/internal/store"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ordersCollection = "orders"
	tablesCollection = "dining_tables"
)

type Store struct {
	*conn
	client *mongo.Client
}

// Connect dials uri and verifies the deployment answers a ping.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return NewStore(client, database), nil
}

func NewStore(client *mongo.Client, database string) *Store {
	db := client.Database(database)
	return &Store{
		conn: &conn{
			orders: db.Collection(ordersCollection),
			tables: db.Collection(tablesCollection),
		},
		client: client,
	}
}

// EnsureIndexes creates the uniqueness guarantees the managers rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.tables.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "table_no", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("table_no_unique"),
	})
	if err != nil {
		return err
	}
	_, err = s.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "table_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("one_active_order_per_table").
				SetPartialFilterExpression(bson.M{"active": true, "table_id": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("status_created"),
		},
	})
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, s.conn)
	})
	return err
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type conn struct {
	orders *mongo.Collection
	tables *mongo.Collection
}

type customerDoc struct {
	Name   string `bson:"name"`
	Phone  string `bson:"phone,omitempty"`
	Guests int    `bson:"guests"`
}

type itemDoc struct {
	MenuItemID string               `bson:"menu_item_id,omitempty"`
	Name       string               `bson:"name"`
	ItemCode   string               `bson:"item_code,omitempty"`
	Quantity   int                  `bson:"quantity"`
	UnitPrice  primitive.Decimal128 `bson:"unit_price"`
	LineTotal  primitive.Decimal128 `bson:"line_total"`
	AddedAt    time.Time            `bson:"added_at"`
}

type orderDoc struct {
	ID           string               `bson:"_id"`
	TableID      string               `bson:"table_id,omitempty"`
	TableNo      int                  `bson:"table_no"`
	GuestSession string               `bson:"guest_session,omitempty"`
	Customer     customerDoc          `bson:"customer"`
	Items        []itemDoc            `bson:"items"`
	Status       string               `bson:"status"`
	Active       bool                 `bson:"active"`
	Subtotal     primitive.Decimal128 `bson:"subtotal"`
	Tax          primitive.Decimal128 `bson:"tax"`
	TotalWithTax primitive.Decimal128 `bson:"total_with_tax"`
	Version      int64                `bson:"version"`
	CreatedAt    time.Time            `bson:"created_at"`
	UpdatedAt    time.Time            `bson:"updated_at"`
}

type bookingDoc struct {
	Customer      customerDoc `bson:"customer"`
	ReservationAt time.Time   `bson:"reservation_at"`
	Notes         string      `bson:"notes,omitempty"`
}

type tableDoc struct {
	ID             string      `bson:"_id"`
	TableNo        int         `bson:"table_no"`
	Seats          int         `bson:"seats"`
	Status         string      `bson:"status"`
	CurrentOrderID string      `bson:"current_order_id,omitempty"`
	Booking        *bookingDoc `bson:"booking,omitempty"`
	LockSeq        int64       `bson:"lock_seq"`
	Version        int64       `bson:"version"`
	CreatedAt      time.Time   `bson:"created_at"`
	UpdatedAt      time.Time   `bson:"updated_at"`
}

func (c *conn) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	var doc orderDoc
	if err := c.orders.FindOne(ctx, bson.M{"_id": orderID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Order{}, store.ErrOrderNotFound
		}
		return models.Order{}, err
	}
	return doc.toModel()
}

func (c *conn) FindActiveOrderForTable(ctx context.Context, tableID string) (models.Order, bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc orderDoc
	if err := c.orders.FindOne(ctx, bson.M{"table_id": tableID, "active": true}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Order{}, false, nil
		}
		return models.Order{}, false, err
	}
	order, err := doc.toModel()
	if err != nil {
		return models.Order{}, false, err
	}
	return order, true, nil
}

func (c *conn) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	query := bson.M{}
	if filter.ActiveOnly {
		query["active"] = true
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.TableID != "" {
		query["table_id"] = filter.TableID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := c.orders.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []orderDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (c *conn) InsertOrder(ctx context.Context, order models.Order) error {
	doc, err := orderToDoc(order)
	if err != nil {
		return err
	}
	if _, err := c.orders.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrStaleWrite
		}
		return err
	}
	return nil
}

func (c *conn) AppendOrderItems(ctx context.Context, update store.ItemsUpdate) (models.Order, error) {
	items, err := itemsToDocs(update.Added)
	if err != nil {
		return models.Order{}, err
	}
	subtotal, tax, total, err := billsToDecimals(update.Bills)
	if err != nil {
		return models.Order{}, err
	}
	change := bson.M{
		"$push": bson.M{"items": bson.M{"$each": items}},
		"$set": bson.M{
			"subtotal":       subtotal,
			"tax":            tax,
			"total_with_tax": total,
			"updated_at":     update.At,
		},
		"$inc": bson.M{"version": 1},
	}
	return c.updateOrder(ctx, bson.M{"_id": update.OrderID, "active": true}, update.OrderID, change)
}

func (c *conn) UpdateOrderStatus(ctx context.Context, update store.StatusUpdate) (models.Order, error) {
	change := bson.M{
		"$set": bson.M{
			"status":     string(update.To),
			"active":     !update.To.Terminal(),
			"updated_at": update.At,
		},
		"$inc": bson.M{"version": 1},
	}
	return c.updateOrder(ctx, bson.M{"_id": update.OrderID, "status": string(update.From)}, update.OrderID, change)
}

func (c *conn) updateOrder(ctx context.Context, filter bson.M, orderID string, change bson.M) (models.Order, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc orderDoc
	err := c.orders.FindOneAndUpdate(ctx, filter, change, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Order{}, missingOrStale(ctx, c.orders, orderID, store.ErrOrderNotFound)
		}
		return models.Order{}, err
	}
	return doc.toModel()
}

func (c *conn) GetTable(ctx context.Context, tableID string) (models.Table, error) {
	var doc tableDoc
	if err := c.tables.FindOne(ctx, bson.M{"_id": tableID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Table{}, store.ErrTableNotFound
		}
		return models.Table{}, err
	}
	return doc.toModel()
}

func (c *conn) LockTable(ctx context.Context, tableID string) (models.Table, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc tableDoc
	err := c.tables.FindOneAndUpdate(ctx, bson.M{"_id": tableID}, bson.M{"$inc": bson.M{"lock_seq": 1}}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Table{}, store.ErrTableNotFound
		}
		return models.Table{}, err
	}
	return doc.toModel()
}

func (c *conn) ListTables(ctx context.Context) ([]models.Table, error) {
	cursor, err := c.tables.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "table_no", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []tableDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	tables := make([]models.Table, 0, len(docs))
	for _, doc := range docs {
		table, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func (c *conn) InsertTable(ctx context.Context, table models.Table) error {
	if _, err := c.tables.InsertOne(ctx, tableToDoc(table)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrTableNoTaken
		}
		return err
	}
	return nil
}

func (c *conn) UpdateTable(ctx context.Context, table models.Table, expected models.TableStatus) (models.Table, error) {
	set := bson.M{
		"status":     string(table.Status),
		"updated_at": table.UpdatedAt,
	}
	unset := bson.M{}
	if table.CurrentOrderRef != "" {
		set["current_order_id"] = table.CurrentOrderRef
	} else {
		unset["current_order_id"] = ""
	}
	if table.Booking != nil {
		set["booking"] = bookingToDoc(table.Booking)
	} else {
		unset["booking"] = ""
	}
	change := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if len(unset) > 0 {
		change["$unset"] = unset
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc tableDoc
	err := c.tables.FindOneAndUpdate(ctx, bson.M{"_id": table.TableID, "status": string(expected)}, change, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Table{}, missingOrStale(ctx, c.tables, table.TableID, store.ErrTableNotFound)
		}
		return models.Table{}, err
	}
	return doc.toModel()
}

func (c *conn) DeleteTable(ctx context.Context, tableID string, expected models.TableStatus) error {
	res, err := c.tables.DeleteOne(ctx, bson.M{"_id": tableID, "status": string(expected)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return missingOrStale(ctx, c.tables, tableID, store.ErrTableNotFound)
	}
	return nil
}

func missingOrStale(ctx context.Context, coll *mongo.Collection, id string, notFound error) error {
	count, err := coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return store.ErrStaleWrite
}

func (d orderDoc) toModel() (models.Order, error) {
	status, ok := models.ParseOrderStatus(d.Status)
	if !ok {
		return models.Order{}, fmt.Errorf("order %s has unknown status %q", d.ID, d.Status)
	}
	order := models.Order{
		OrderID:      d.ID,
		TableID:      d.TableID,
		TableNo:      d.TableNo,
		GuestSession: d.GuestSession,
		Customer:     models.Customer{Name: d.Customer.Name, Phone: d.Customer.Phone, Guests: d.Customer.Guests},
		Items:        make([]models.OrderItem, 0, len(d.Items)),
		Status:       status,
		Version:      d.Version,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	var err error
	if order.Bills.Subtotal, err = fromDecimal128(d.Subtotal); err != nil {
		return models.Order{}, err
	}
	if order.Bills.Tax, err = fromDecimal128(d.Tax); err != nil {
		return models.Order{}, err
	}
	if order.Bills.TotalWithTax, err = fromDecimal128(d.TotalWithTax); err != nil {
		return models.Order{}, err
	}
	for _, item := range d.Items {
		unit, err := fromDecimal128(item.UnitPrice)
		if err != nil {
			return models.Order{}, err
		}
		line, err := fromDecimal128(item.LineTotal)
		if err != nil {
			return models.Order{}, err
		}
		order.Items = append(order.Items, models.OrderItem{
			MenuItemID: item.MenuItemID,
			Name:       item.Name,
			ItemCode:   item.ItemCode,
			Quantity:   item.Quantity,
			UnitPrice:  unit,
			LineTotal:  line,
			AddedAt:    item.AddedAt,
		})
	}
	return order, nil
}

func orderToDoc(order models.Order) (orderDoc, error) {
	items, err := itemsToDocs(order.Items)
	if err != nil {
		return orderDoc{}, err
	}
	subtotal, tax, total, err := billsToDecimals(order.Bills)
	if err != nil {
		return orderDoc{}, err
	}
	return orderDoc{
		ID:           order.OrderID,
		TableID:      order.TableID,
		TableNo:      order.TableNo,
		GuestSession: order.GuestSession,
		Customer:     customerDoc{Name: order.Customer.Name, Phone: order.Customer.Phone, Guests: order.Customer.Guests},
		Items:        items,
		Status:       string(order.Status),
		Active:       order.Active(),
		Subtotal:     subtotal,
		Tax:          tax,
		TotalWithTax: total,
		Version:      order.Version,
		CreatedAt:    order.CreatedAt,
		UpdatedAt:    order.UpdatedAt,
	}, nil
}

func itemsToDocs(items []models.OrderItem) ([]itemDoc, error) {
	docs := make([]itemDoc, 0, len(items))
	for _, item := range items {
		unit, err := toDecimal128(item.UnitPrice)
		if err != nil {
			return nil, err
		}
		line, err := toDecimal128(item.LineTotal)
		if err != nil {
			return nil, err
		}
		docs = append(docs, itemDoc{
			MenuItemID: item.MenuItemID,
			Name:       item.Name,
			ItemCode:   item.ItemCode,
			Quantity:   item.Quantity,
			UnitPrice:  unit,
			LineTotal:  line,
			AddedAt:    item.AddedAt,
		})
	}
	return docs, nil
}

func billsToDecimals(bills models.Bills) (subtotal, tax, total primitive.Decimal128, err error) {
	if subtotal, err = toDecimal128(bills.Subtotal); err != nil {
		return
	}
	if tax, err = toDecimal128(bills.Tax); err != nil {
		return
	}
	total, err = toDecimal128(bills.TotalWithTax)
	return
}

func (d tableDoc) toModel() (models.Table, error) {
	status, ok := models.ParseTableStatus(d.Status)
	if !ok {
		return models.Table{}, fmt.Errorf("table %s has unknown status %q", d.ID, d.Status)
	}
	table := models.Table{
		TableID:         d.ID,
		TableNo:         d.TableNo,
		Seats:           d.Seats,
		Status:          status,
		CurrentOrderRef: d.CurrentOrderID,
		Version:         d.Version,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if d.Booking != nil {
		table.Booking = &models.Booking{
			Customer:      models.Customer{Name: d.Booking.Customer.Name, Phone: d.Booking.Customer.Phone, Guests: d.Booking.Customer.Guests},
			ReservationAt: d.Booking.ReservationAt,
			Notes:         d.Booking.Notes,
		}
	}
	return table, nil
}

func tableToDoc(table models.Table) tableDoc {
	return tableDoc{
		ID:             table.TableID,
		TableNo:        table.TableNo,
		Seats:          table.Seats,
		Status:         string(table.Status),
		CurrentOrderID: table.CurrentOrderRef,
		Booking:        bookingToDoc(table.Booking),
		Version:        table.Version,
		CreatedAt:      table.CreatedAt,
		UpdatedAt:      table.UpdatedAt,
	}
}

func bookingToDoc(booking *models.Booking) *bookingDoc {
	if booking == nil {
		return nil
	}
	return &bookingDoc{
		Customer:      customerDoc{Name: booking.Customer.Name, Phone: booking.Customer.Phone, Guests: booking.Customer.Guests},
		ReservationAt: booking.ReservationAt,
		Notes:         booking.Notes,
	}
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(d.String())
}

func fromDecimal128(d primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(d.String())
}
