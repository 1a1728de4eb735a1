package store

import "tableside/internal/models"

var orderTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending:    {models.OrderInProgress, models.OrderCancelled},
	models.OrderInProgress: {models.OrderReady, models.OrderCancelled},
	models.OrderReady:      {models.OrderCompleted},
}

// Same-status moves are treated as idempotent resets/updates by the
// occupancy manager, so they are not listed here.
var tableTransitions = map[models.TableStatus][]models.TableStatus{
	models.TableAvailable: {models.TableBooked, models.TableOccupied},
	models.TableBooked:    {models.TableAvailable, models.TableOccupied},
	models.TableOccupied:  {models.TableAvailable, models.TableBooked},
}

func ValidOrderTransition(from, to models.OrderStatus) bool {
	for _, status := range orderTransitions[from] {
		if status == to {
			return true
		}
	}
	return false
}

func ValidTableTransition(from, to models.TableStatus) bool {
	if from == to {
		return true
	}
	for _, status := range tableTransitions[from] {
		if status == to {
			return true
		}
	}
	return false
}
